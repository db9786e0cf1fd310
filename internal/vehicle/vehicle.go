// Package vehicle is a kinematic stand-in for the driving simulator. It
// tracks a sinusoidal lane and reports cross-track error and speed the way
// the simulator's telemetry does.
package vehicle

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/san-kum/pidtune/internal/episode"
	"github.com/san-kum/pidtune/internal/integrators"
)

const mpsToMph = 2.23694

var ErrUnstable = errors.New("vehicle: state diverged")

// state indices
const (
	idxS = iota
	idxCTE
	idxPsi
	idxV
	stateDim
)

type Params struct {
	Wheelbase float64 // m
	MaxSteer  float64 // rad at steering 1
	MaxAccel  float64 // m/s² at throttle 1
	Drag      float64 // 1/s
	// lane curvature is Curvature*sin(2πs/Wavelength)
	Curvature  float64
	Wavelength float64
	InitialCTE float64
	NoiseStd   float64 // cte measurement noise
	Timestep   float64
	Integrator string
}

func DefaultParams() Params {
	return Params{
		Wheelbase:  2.67,
		MaxSteer:   25 * math.Pi / 180,
		MaxAccel:   5,
		Drag:       0.1,
		Curvature:  0.01,
		Wavelength: 400,
		InitialCTE: 0.76,
		NoiseStd:   0.01,
		Timestep:   episode.DefaultTimestep,
		Integrator: "rk4",
	}
}

func (p Params) validate() error {
	if !(p.Wheelbase > 0) || !(p.Timestep > 0) || !(p.Wavelength > 0) {
		return fmt.Errorf("vehicle: wheelbase, timestep and wavelength must be positive")
	}
	if p.NoiseStd < 0 || p.MaxAccel < 0 || p.Drag < 0 {
		return fmt.Errorf("vehicle: noise, acceleration and drag must be non-negative")
	}
	return nil
}

// Vehicle implements integrators.System for the lane-relative state
// [s, cte, psi, v].
type Vehicle struct {
	p       Params
	stepper integrators.Stepper
	rng     *rand.Rand
	x       integrators.State
	t       float64
}

func New(p Params, seed uint64) (*Vehicle, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	stepper := integrators.New(p.Integrator)
	if stepper == nil {
		return nil, fmt.Errorf("vehicle: unknown integrator %q", p.Integrator)
	}
	v := &Vehicle{
		p:       p,
		stepper: stepper,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	v.Reset()
	return v, nil
}

func (v *Vehicle) Reset() {
	v.x = make(integrators.State, stateDim)
	v.x[idxCTE] = v.p.InitialCTE
	v.t = 0
}

func (v *Vehicle) curvature(s float64) float64 {
	return v.p.Curvature * math.Sin(2*math.Pi*s/v.p.Wavelength)
}

// Derive takes u = [steering, throttle].
func (v *Vehicle) Derive(x integrators.State, u integrators.Control, t float64) integrators.State {
	steer := clamp(u[0], -1, 1) * v.p.MaxSteer
	speed := math.Max(x[idxV], 0)
	k := v.curvature(x[idxS])

	dx := make(integrators.State, stateDim)
	dx[idxS] = speed * math.Cos(x[idxPsi])
	dx[idxCTE] = speed * math.Sin(x[idxPsi])
	dx[idxPsi] = speed*math.Tan(steer)/v.p.Wheelbase - k*speed*math.Cos(x[idxPsi])
	dx[idxV] = v.p.MaxAccel*clamp(u[1], -1, 1) - v.p.Drag*speed
	return dx
}

// Apply holds cmd for one timestep.
func (v *Vehicle) Apply(cmd episode.Command) error {
	next := v.stepper.Step(v, v.x, integrators.Control{cmd.Steering, cmd.Throttle}, v.t, v.p.Timestep)
	if !next.IsValid() {
		return fmt.Errorf("%w at t=%.2f", ErrUnstable, v.t)
	}
	if next[idxV] < 0 {
		next[idxV] = 0
	}
	v.x = next
	v.t += v.p.Timestep
	return nil
}

// Telemetry returns the measured cross-track error and the speed in mph.
func (v *Vehicle) Telemetry() (cte, speed float64) {
	cte = v.x[idxCTE]
	if v.p.NoiseStd > 0 {
		cte += v.rng.NormFloat64() * v.p.NoiseStd
	}
	return cte, v.x[idxV] * mpsToMph
}

func (v *Vehicle) CTE() float64 { return v.x[idxCTE] }

func (v *Vehicle) Speed() float64 { return v.x[idxV] }

func (v *Vehicle) Heading() float64 { return v.x[idxPsi] }

func (v *Vehicle) Odometer() float64 { return v.x[idxS] }

func (v *Vehicle) Time() float64 { return v.t }

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
