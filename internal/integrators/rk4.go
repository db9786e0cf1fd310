package integrators

// RK4 is the classic fourth-order Runge-Kutta method. It keeps its stage
// buffers between calls and is not safe for concurrent use.
type RK4 struct {
	k       [4]State
	scratch State
}

func NewRK4() *RK4 {
	return &RK4{}
}

func (r *RK4) grow(n int) {
	if len(r.scratch) == n {
		return
	}
	for i := range r.k {
		r.k[i] = make(State, n)
	}
	r.scratch = make(State, n)
}

// offset writes x + h*k into r.scratch.
func (r *RK4) offset(x, k State, h float64) State {
	for i := range x {
		r.scratch[i] = x[i] + h*k[i]
	}
	return r.scratch
}

func (r *RK4) Step(sys System, x State, u Control, t, dt float64) State {
	r.grow(len(x))
	half := dt * 0.5

	copy(r.k[0], sys.Derive(x, u, t))
	copy(r.k[1], sys.Derive(r.offset(x, r.k[0], half), u, t+half))
	copy(r.k[2], sys.Derive(r.offset(x, r.k[1], half), u, t+half))
	copy(r.k[3], sys.Derive(r.offset(x, r.k[2], dt), u, t+dt))

	out := make(State, len(x))
	dt6 := dt / 6.0
	for i := range x {
		out[i] = x[i] + dt6*(r.k[0][i]+2*r.k[1][i]+2*r.k[2][i]+r.k[3][i])
	}
	return out
}
