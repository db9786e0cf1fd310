package episode

import "errors"

var (
	// ErrFinished indicates a Step after the session reached a terminal outcome.
	ErrFinished = errors.New("episode: session already finished")

	// ErrInvalidSample indicates a non-finite sample or a negative speed.
	ErrInvalidSample = errors.New("episode: invalid telemetry sample")

	// ErrInvalidConfig indicates a non-positive budget, timestep or bound.
	ErrInvalidConfig = errors.New("episode: invalid configuration")
)
