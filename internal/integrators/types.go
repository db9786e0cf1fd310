// Package integrators advances ordinary differential equations by one
// fixed timestep.
package integrators

import "math"

type State []float64

type Control []float64

func (s State) Clone() State {
	c := make(State, len(s))
	copy(c, s)
	return c
}

// IsValid reports whether every component is finite.
func (s State) IsValid() bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// System is dX/dt = f(X, u, t).
type System interface {
	Derive(x State, u Control, t float64) State
}

type Stepper interface {
	Step(sys System, x State, u Control, t, dt float64) State
}

// New returns the stepper registered under name, or nil.
func New(name string) Stepper {
	switch name {
	case "rk4", "":
		return NewRK4()
	case "euler":
		return NewEuler()
	default:
		return nil
	}
}
