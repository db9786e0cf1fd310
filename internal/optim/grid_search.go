package optim

import (
	"context"
	"fmt"
	"math"
)

// Objective scores one parameter vector. Lower is better.
type Objective func(ctx context.Context, params []float64) (float64, error)

// GridSearch scores every combination of candidate values. It is the
// offline counterpart of Twiddle: exhaustive, and blind to the order in
// which costs arrive.
type GridSearch struct {
	ranges [][]float64
}

func NewGridSearch(ranges [][]float64) (*GridSearch, error) {
	if len(ranges) == 0 {
		return nil, ErrEmptyParams
	}
	for i, r := range ranges {
		if len(r) == 0 {
			return nil, fmt.Errorf("%w: no candidates for parameter %d", ErrEmptyParams, i)
		}
	}
	return &GridSearch{ranges: ranges}, nil
}

// Size is the number of combinations Search evaluates.
func (g *GridSearch) Size() int {
	n := 1
	for _, r := range g.ranges {
		n *= len(r)
	}
	return n
}

// Search returns the best vector and its cost. Candidates whose objective
// fails or yields an invalid cost are skipped; when none succeeds the
// vector is nil and the cost +Inf.
func (g *GridSearch) Search(ctx context.Context, obj Objective) ([]float64, float64, error) {
	best := math.Inf(1)
	var bestParams []float64

	current := make([]float64, len(g.ranges))
	err := g.searchRecursive(ctx, 0, current, obj, &best, &bestParams)
	return bestParams, best, err
}

func (g *GridSearch) searchRecursive(
	ctx context.Context,
	depth int,
	current []float64,
	obj Objective,
	best *float64,
	bestParams *[]float64,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if depth == len(g.ranges) {
		val, err := obj(ctx, clone(current))
		if err != nil || !validCost(val) {
			return nil
		}
		if val < *best {
			*best = val
			*bestParams = clone(current)
		}
		return nil
	}

	for _, val := range g.ranges[depth] {
		current[depth] = val
		if err := g.searchRecursive(ctx, depth+1, current, obj, best, bestParams); err != nil {
			return err
		}
	}
	return nil
}

// Linspace returns n evenly spaced values from lo to hi inclusive.
func Linspace(lo, hi float64, n int) []float64 {
	if n <= 1 {
		return []float64{lo}
	}
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	out[n-1] = hi
	return out
}
