package optim

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// DefaultTolerance is the sum of step sizes below which the search stops.
const DefaultTolerance = 1e-6

const (
	growFactor   = 1.1
	shrinkFactor = 0.9
)

type State int

const (
	GlobalBegins State = iota
	IterBegins
	EvalUp
	EvalDown
	Done
)

func (s State) String() string {
	switch s {
	case GlobalBegins:
		return "global_begins"
	case IterBegins:
		return "iter_begins"
	case EvalUp:
		return "eval_up"
	case EvalDown:
		return "eval_down"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Twiddle is a coordinate-ascent search over a parameter vector. The caller
// runs one evaluation episode per returned vector and reports its cost back
// through Evaluate.
type Twiddle struct {
	pars     []float64
	bestPars []float64
	dp       []float64
	tol      float64

	idx     int
	state   State
	bestErr float64
	evals   int

	log *zap.Logger
}

// NewTwiddle copies pars and dp. A nil logger disables transition logging.
func NewTwiddle(pars, dp []float64, tol float64, log *zap.Logger) (*Twiddle, error) {
	if len(pars) == 0 {
		return nil, ErrEmptyParams
	}
	if len(pars) != len(dp) {
		return nil, fmt.Errorf("%w: %d params, %d steps", ErrDimensionMismatch, len(pars), len(dp))
	}
	for i, d := range dp {
		if d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, fmt.Errorf("%w: dp[%d] = %g", ErrInvalidStep, i, d)
		}
	}
	if !(tol > 0) {
		return nil, fmt.Errorf("%w: %g", ErrInvalidTolerance, tol)
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Twiddle{
		pars:     clone(pars),
		bestPars: clone(pars),
		dp:       clone(dp),
		tol:      tol,
		state:    GlobalBegins,
		bestErr:  math.Inf(1),
		log:      log,
	}, nil
}

// Evaluate reports the cost of the vector returned by the previous call and
// returns the next vector to try. The first call bootstraps the search and
// ignores err (pass NaN). Once Done, it returns the current vector unchanged.
func (t *Twiddle) Evaluate(err float64) ([]float64, error) {
	switch t.state {
	case GlobalBegins:
		t.state = IterBegins
		t.log.Debug("twiddle bootstrap", zap.Float64s("pars", t.pars))
		return clone(t.pars), nil
	case Done:
		t.log.Debug("evaluate called after convergence is a no-op")
		return clone(t.pars), nil
	}

	if !validCost(err) {
		return nil, fmt.Errorf("%w: got %g in state %s", ErrInvalidCost, err, t.state)
	}

	t.evals++
	t.log.Debug("twiddle evaluate",
		zap.Stringer("state", t.state),
		zap.Int("par_idx", t.idx),
		zap.Float64s("pars", t.pars),
		zap.Float64("err", err),
		zap.Float64s("dp", t.dp),
		zap.Float64("best_err", t.bestErr),
		zap.Float64s("best_pars", t.bestPars),
	)

	switch t.state {
	case IterBegins:
		t.record(err)
		t.beginIteration()

	case EvalUp:
		if err < t.bestErr {
			t.record(err)
			t.dp[t.idx] *= growFactor
			t.nextPar()
		} else {
			t.pars[t.idx] -= 2 * t.dp[t.idx]
			t.state = EvalDown
			t.log.Debug("twiddle down", zap.Int("par_idx", t.idx), zap.Float64("par", t.pars[t.idx]))
		}

	case EvalDown:
		if err < t.bestErr {
			t.record(err)
		} else {
			t.pars[t.idx] += t.dp[t.idx]
			t.dp[t.idx] *= shrinkFactor
			t.log.Debug("twiddle restore",
				zap.Int("par_idx", t.idx),
				zap.Float64("par", t.pars[t.idx]),
				zap.Float64("dp", t.dp[t.idx]))
		}
		t.nextPar()
	}

	return clone(t.pars), nil
}

func (t *Twiddle) record(err float64) {
	if err < t.bestErr {
		t.bestErr = err
		t.bestPars = clone(t.pars)
	}
}

// beginIteration runs the convergence check that opens every sweep.
func (t *Twiddle) beginIteration() {
	if floats.Sum(t.dp) < t.tol {
		t.state = Done
		t.log.Info("twiddle converged",
			zap.Float64s("best_pars", t.bestPars),
			zap.Float64("best_err", t.bestErr))
		return
	}

	t.pars[t.idx] += t.dp[t.idx]
	t.state = EvalUp
	t.log.Debug("twiddle up", zap.Int("par_idx", t.idx), zap.Float64("par", t.pars[t.idx]))
}

func (t *Twiddle) nextPar() {
	t.idx = (t.idx + 1) % len(t.pars)

	if t.idx == 0 {
		t.state = IterBegins
		t.beginIteration()
		return
	}

	t.pars[t.idx] += t.dp[t.idx]
	t.state = EvalUp
	t.log.Debug("twiddle up", zap.Int("par_idx", t.idx), zap.Float64("par", t.pars[t.idx]))
}

func (t *Twiddle) State() State { return t.state }

func (t *Twiddle) Done() bool { return t.state == Done }

// Index returns the position of the parameter currently being perturbed.
func (t *Twiddle) Index() int { return t.idx }

func (t *Twiddle) BestErr() float64 { return t.bestErr }

func (t *Twiddle) BestParams() []float64 { return clone(t.bestPars) }

func (t *Twiddle) Params() []float64 { return clone(t.pars) }

// Steps returns the current perturbation vector.
func (t *Twiddle) Steps() []float64 { return clone(t.dp) }

// Evaluations counts accepted costs, excluding the bootstrap call.
func (t *Twiddle) Evaluations() int { return t.evals }

// validCost accepts finite, non-negative costs.
func validCost(c float64) bool {
	return !math.IsNaN(c) && !math.IsInf(c, 0) && c >= 0
}

func clone(v []float64) []float64 {
	c := make([]float64, len(v))
	copy(c, v)
	return c
}
