// Package episode couples the steering controller to the gain optimizer.
//
// A Manager consumes telemetry samples one at a time, answers each with a
// steering and throttle command, and scores the controller over fixed
// distance budgets. Every closed episode feeds one cost into the optimizer
// and the gains it returns are applied straight back to the controller.
package episode

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/san-kum/pidtune/internal/control"
	"github.com/san-kum/pidtune/internal/optim"
)

const (
	DefaultDistanceBudget  = 10000.0
	DefaultTimestep        = 0.02
	DefaultDivergenceBound = 3.0
)

// throttle heuristic scales
const (
	cteThrottleScale   = 4.5
	deltaThrottleScale = 0.04
)

type Config struct {
	// DistanceBudget ends an episode once the speed sum times Timestep reaches it.
	DistanceBudget float64
	Timestep       float64
	// DivergenceBound is the |cte| above which the session stops.
	DivergenceBound float64
	// Verbose logs every sample at debug level.
	Verbose bool
}

func DefaultConfig() Config {
	return Config{
		DistanceBudget:  DefaultDistanceBudget,
		Timestep:        DefaultTimestep,
		DivergenceBound: DefaultDivergenceBound,
	}
}

func (c Config) validate() error {
	if !(c.DistanceBudget > 0) {
		return fmt.Errorf("%w: distance budget must be positive, got %g", ErrInvalidConfig, c.DistanceBudget)
	}
	if !(c.Timestep > 0) {
		return fmt.Errorf("%w: timestep must be positive, got %g", ErrInvalidConfig, c.Timestep)
	}
	if !(c.DivergenceBound > 0) {
		return fmt.Errorf("%w: divergence bound must be positive, got %g", ErrInvalidConfig, c.DivergenceBound)
	}
	return nil
}

// Tuning is the starting point of the gain search.
type Tuning struct {
	Gains     control.Gains
	Steps     []float64
	Tolerance float64
}

type Outcome int

const (
	Continue Outcome = iota
	EpisodeEnded
	Diverged
	Converged
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case EpisodeEnded:
		return "episode_ended"
	case Diverged:
		return "diverged"
	case Converged:
		return "converged"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Terminal reports whether the session is over.
func (o Outcome) Terminal() bool {
	return o == Diverged || o == Converged
}

type Command struct {
	Steering float64
	Throttle float64
}

// Record describes one closed episode.
type Record struct {
	Episode     int
	Gains       control.Gains
	Cost        float64
	Diagnostics Diagnostics
	Next        control.Gains
	State       optim.State
	BestCost    float64
}

type Summary struct {
	Outcome   Outcome
	BestGains control.Gains
	BestCost  float64
	Episodes  int
	Samples   int
	Final     Diagnostics
}

// Result is the answer to one sample. Command is zero on terminal outcomes.
type Result struct {
	Command Command
	Outcome Outcome
	Episode *Record
	Summary *Summary
}

// Observer is notified of session progress. Calls happen on the goroutine
// driving Step.
type Observer interface {
	OnSample(cte, speed float64, cmd Command)
	OnEpisode(r Record)
	OnFinish(s Summary)
}

type Manager struct {
	cfg       Config
	pid       *control.PID
	opt       *optim.Twiddle
	acc       Accumulator
	sinks     Sinks
	log       *zap.Logger
	observers []Observer

	episodes int
	samples  int
	summary  *Summary
}

// NewManager builds the controller and optimizer for one session and runs
// the optimizer's bootstrap evaluation.
func NewManager(cfg Config, tuning Tuning, sinks Sinks, log *zap.Logger) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	opt, err := optim.NewTwiddle(tuning.Gains.Vector(), tuning.Steps, tuning.Tolerance, log.Named("twiddle"))
	if err != nil {
		return nil, fmt.Errorf("episode: create optimizer: %w", err)
	}

	pars, err := opt.Evaluate(math.NaN())
	if err != nil {
		return nil, fmt.Errorf("episode: bootstrap optimizer: %w", err)
	}
	g := control.GainsFromVector(pars)

	return &Manager{
		cfg:   cfg,
		pid:   control.NewPID(g.Kp, g.Ki, g.Kd),
		opt:   opt,
		sinks: sinks,
		log:   log,
	}, nil
}

func (m *Manager) AddObserver(o Observer) { m.observers = append(m.observers, o) }

// Step processes one telemetry sample with the given throttle setpoint.
func (m *Manager) Step(cte, speed, throttle float64) (Result, error) {
	if m.summary != nil {
		return Result{}, ErrFinished
	}
	if !finite(cte) || !finite(speed) || !finite(throttle) || speed < 0 {
		return Result{}, fmt.Errorf("%w: cte=%g speed=%g throttle=%g", ErrInvalidSample, cte, speed, throttle)
	}

	m.samples++
	m.acc.Observe(cte, speed)

	if math.Abs(cte) > m.cfg.DivergenceBound {
		d := m.diagnostics(throttle)
		m.sinks.emit(d.String())
		m.log.Warn("tracking diverged",
			zap.Float64("cte", cte),
			zap.Float64("bound", m.cfg.DivergenceBound),
			zap.Int("episode", m.episodes+1),
			zap.Int("count", d.Count))
		return m.finish(Diverged, d), nil
	}

	res := Result{Outcome: Continue}

	if m.acc.Distance(m.cfg.Timestep) >= m.cfg.DistanceBudget {
		rec, err := m.closeEpisode(throttle)
		if err != nil {
			return Result{}, err
		}
		if m.opt.Done() {
			best := control.GainsFromVector(m.opt.BestParams())
			m.sinks.logf("Done! %.7f %.7f %.7f best err %.7f\n", best.Kp, best.Ki, best.Kd, m.opt.BestErr())
			res = m.finish(Converged, rec.Diagnostics)
			res.Episode = &rec
			return res, nil
		}
		res.Outcome = EpisodeEnded
		res.Episode = &rec
	}

	res.Command = m.command(cte, speed, throttle)
	for _, o := range m.observers {
		o.OnSample(cte, speed, res.Command)
	}
	return res, nil
}

func (m *Manager) command(cte, speed, throttle float64) Command {
	m.pid.UpdateError(cte)
	steer := m.pid.SteeringValue()

	pTerm, iTerm, dTerm := m.pid.ErrorComponents()
	if m.cfg.Verbose {
		m.log.Debug("sample",
			zap.Int("count", m.acc.Count),
			zap.Float64("speed", speed),
			zap.Float64("cte", cte),
			zap.Float64("steering", steer),
			zap.Float64("p", pTerm),
			zap.Float64("i", iTerm),
			zap.Float64("d", dTerm),
			zap.Float64("distance", m.acc.Distance(m.cfg.Timestep)))
	}

	scale := 1 - cte*cte/cteThrottleScale - dTerm*dTerm/deltaThrottleScale
	return Command{
		Steering: steer,
		Throttle: throttle * math.Max(scale, -1.0),
	}
}

// closeEpisode scores the finished episode, advances the optimizer and
// applies its next gains to the controller.
func (m *Manager) closeEpisode(throttle float64) (Record, error) {
	d := m.diagnostics(throttle)
	m.sinks.emit(d.String())

	cost := m.acc.Cost()
	pars, err := m.opt.Evaluate(cost)
	if err != nil {
		return Record{}, fmt.Errorf("episode %d: %w", m.episodes+1, err)
	}

	m.episodes++
	m.acc.Reset()
	next := control.GainsFromVector(pars)
	m.pid.Configure(next.Kp, next.Ki, next.Kd)

	rec := Record{
		Episode:     m.episodes,
		Gains:       d.Gains,
		Cost:        cost,
		Diagnostics: d,
		Next:        next,
		State:       m.opt.State(),
		BestCost:    m.opt.BestErr(),
	}
	m.log.Info("episode closed",
		zap.Int("episode", rec.Episode),
		zap.Float64("cost", cost),
		zap.Float64("best_cost", rec.BestCost),
		zap.Float64s("next", pars),
		zap.Stringer("state", rec.State))

	for _, o := range m.observers {
		o.OnEpisode(rec)
	}
	return rec, nil
}

func (m *Manager) finish(outcome Outcome, final Diagnostics) Result {
	s := Summary{
		Outcome:   outcome,
		BestGains: control.GainsFromVector(m.opt.BestParams()),
		BestCost:  m.opt.BestErr(),
		Episodes:  m.episodes,
		Samples:   m.samples,
		Final:     final,
	}
	m.summary = &s
	m.log.Info("session finished",
		zap.Stringer("outcome", outcome),
		zap.Float64s("best_gains", s.BestGains.Vector()),
		zap.Float64("best_cost", s.BestCost),
		zap.Int("episodes", s.Episodes))

	for _, o := range m.observers {
		o.OnFinish(s)
	}
	return Result{Outcome: outcome, Summary: &s}
}

func (m *Manager) diagnostics(throttle float64) Diagnostics {
	return Diagnostics{
		Gains:      m.pid.Gains(),
		Throttle:   throttle,
		Count:      m.acc.Count,
		MeanAbsCTE: m.acc.MeanAbsCTE(),
		MeanCTE:    m.acc.MeanCTE(),
		Distance:   m.acc.Distance(m.cfg.Timestep),
		MeanSpeed:  m.acc.MeanSpeed(),
	}
}

// Gains returns the controller's live gains.
func (m *Manager) Gains() control.Gains { return m.pid.Gains() }

// Params returns the optimizer's current vector. It always equals Gains.
func (m *Manager) Params() control.Gains { return control.GainsFromVector(m.opt.Params()) }

func (m *Manager) SearchState() optim.State { return m.opt.State() }

func (m *Manager) BestCost() float64 { return m.opt.BestErr() }

func (m *Manager) BestGains() control.Gains { return control.GainsFromVector(m.opt.BestParams()) }

func (m *Manager) Accumulator() Accumulator { return m.acc }

func (m *Manager) Episodes() int { return m.episodes }

func (m *Manager) Samples() int { return m.samples }

// Summary is nil until the session finishes.
func (m *Manager) Summary() *Summary { return m.summary }

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
