package episode

import "math"

// Accumulator holds the running sums of one episode.
type Accumulator struct {
	Count  int
	AbsCTE float64
	CTE    float64
	Speed  float64
}

func (a *Accumulator) Observe(cte, speed float64) {
	a.Count++
	a.AbsCTE += math.Abs(cte)
	a.CTE += cte
	a.Speed += speed
}

func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

func (a *Accumulator) MeanAbsCTE() float64 { return a.mean(a.AbsCTE) }

// MeanCTE is diagnostic only and never feeds the cost.
func (a *Accumulator) MeanCTE() float64 { return a.mean(a.CTE) }

func (a *Accumulator) MeanSpeed() float64 { return a.mean(a.Speed) }

// Distance is the speed sum times the sample timestep.
func (a *Accumulator) Distance(timestep float64) float64 {
	return a.Speed * timestep
}

// Cost is mean |cte| over mean speed. Slow, well-centered driving scores
// worse than fast, well-centered driving.
func (a *Accumulator) Cost() float64 {
	return a.MeanAbsCTE() / a.MeanSpeed()
}

func (a *Accumulator) mean(sum float64) float64 {
	if a.Count == 0 {
		return 0
	}
	return sum / float64(a.Count)
}
