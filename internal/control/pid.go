package control

import "math"

// Gains is the (Kp, Ki, Kd) triple.
type Gains struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// Vector returns the gains in Kp, Ki, Kd order.
func (g Gains) Vector() []float64 {
	return []float64{g.Kp, g.Ki, g.Kd}
}

// GainsFromVector builds Gains from a Kp, Ki, Kd ordered slice. Missing
// entries are left at zero.
func GainsFromVector(v []float64) Gains {
	var g Gains
	if len(v) > 0 {
		g.Kp = v[0]
	}
	if len(v) > 1 {
		g.Ki = v[1]
	}
	if len(v) > 2 {
		g.Kd = v[2]
	}
	return g
}

type PID struct {
	gains Gains

	pError float64
	iError float64
	dError float64
}

func NewPID(kp, ki, kd float64) *PID {
	return &PID{gains: Gains{Kp: kp, Ki: ki, Kd: kd}}
}

// Configure replaces the gains. The error state is kept.
func (p *PID) Configure(kp, ki, kd float64) {
	p.gains = Gains{Kp: kp, Ki: ki, Kd: kd}
}

func (p *PID) Gains() Gains {
	return p.gains
}

// UpdateError feeds the latest cross-track error.
func (p *PID) UpdateError(cte float64) {
	prev := p.pError

	p.pError = cte
	p.iError += cte
	p.dError = cte - prev
}

// Errors returns the raw p, i and d error terms.
func (p *PID) Errors() (pErr, iErr, dErr float64) {
	return p.pError, p.iError, p.dError
}

// ErrorComponents returns the gain-weighted terms (Kp*p, Ki*i, Kd*d).
func (p *PID) ErrorComponents() (pTerm, iTerm, dTerm float64) {
	return p.gains.Kp * p.pError, p.gains.Ki * p.iError, p.gains.Kd * p.dError
}

func (p *PID) TotalError() float64 {
	pt, it, dt := p.ErrorComponents()
	return pt + it + dt
}

// SteeringValue returns the negated total error truncated to [-1, 1]. A
// positive cte (right of center) steers left. NaN maps to 0.
func (p *PID) SteeringValue() float64 {
	u := -p.TotalError()
	if math.IsNaN(u) {
		return 0
	}
	return math.Min(math.Max(u, -1.0), 1.0)
}

// Reset clears the error state
func (p *PID) Reset() {
	p.pError = 0
	p.iError = 0
	p.dError = 0
}
