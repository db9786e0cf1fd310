package optim

import "errors"

// Contract violations. None of these are recoverable at runtime.
var (
	// ErrDimensionMismatch indicates parameter and step vectors of different length.
	ErrDimensionMismatch = errors.New("optim: parameter and step vectors differ in length")

	// ErrEmptyParams indicates a zero-length parameter vector.
	ErrEmptyParams = errors.New("optim: empty parameter vector")

	// ErrInvalidStep indicates a negative or non-finite perturbation step.
	ErrInvalidStep = errors.New("optim: perturbation steps must be finite and non-negative")

	// ErrInvalidTolerance indicates a non-positive convergence tolerance.
	ErrInvalidTolerance = errors.New("optim: tolerance must be positive")

	// ErrInvalidCost indicates a NaN, infinite or negative cost outside the bootstrap call.
	ErrInvalidCost = errors.New("optim: cost must be finite and non-negative")
)
