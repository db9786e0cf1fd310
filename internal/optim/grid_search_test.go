package optim_test

import (
	"context"
	"errors"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/pidtune/internal/optim"
)

var _ = Describe("GridSearch", func() {
	bowl := func(_ context.Context, p []float64) (float64, error) {
		return (p[0]-0.2)*(p[0]-0.2) + (p[1]-3)*(p[1]-3), nil
	}

	It("rejects empty grids", func() {
		_, err := optim.NewGridSearch(nil)
		Expect(err).To(MatchError(optim.ErrEmptyParams))

		_, err = optim.NewGridSearch([][]float64{{1}, {}})
		Expect(err).To(MatchError(optim.ErrEmptyParams))
	})

	It("finds the grid point closest to the minimum", func() {
		g, err := optim.NewGridSearch([][]float64{
			optim.Linspace(0, 0.4, 5),
			optim.Linspace(1, 5, 5),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(g.Size()).To(Equal(25))

		best, cost, err := g.Search(context.Background(), bowl)
		Expect(err).NotTo(HaveOccurred())
		Expect(best[0]).To(BeNumerically("~", 0.2, 1e-12))
		Expect(best[1]).To(BeNumerically("~", 3, 1e-12))
		Expect(cost).To(BeNumerically("~", 0, 1e-20))
	})

	It("visits every combination once", func() {
		g, _ := optim.NewGridSearch([][]float64{{1, 2}, {10, 20, 30}})
		seen := map[[2]float64]int{}
		_, _, err := g.Search(context.Background(), func(_ context.Context, p []float64) (float64, error) {
			seen[[2]float64{p[0], p[1]}]++
			return p[0] + p[1], nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(seen).To(HaveLen(6))
		for _, n := range seen {
			Expect(n).To(Equal(1))
		}
	})

	It("skips failing and invalid candidates", func() {
		g, _ := optim.NewGridSearch([][]float64{{0, 1, 2, 3}})
		best, cost, err := g.Search(context.Background(), func(_ context.Context, p []float64) (float64, error) {
			switch p[0] {
			case 0:
				return 0, errors.New("diverged")
			case 1:
				return math.Inf(1), nil
			case 2:
				return math.NaN(), nil
			}
			return 7, nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(best).To(Equal([]float64{3}))
		Expect(cost).To(Equal(7.0))
	})

	It("reports +Inf when nothing succeeds", func() {
		g, _ := optim.NewGridSearch([][]float64{{0, 1}})
		best, cost, err := g.Search(context.Background(), func(context.Context, []float64) (float64, error) {
			return 0, errors.New("no")
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(best).To(BeNil())
		Expect(math.IsInf(cost, 1)).To(BeTrue())
	})

	It("stops on context cancellation", func() {
		g, _ := optim.NewGridSearch([][]float64{{0, 1, 2}})
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		_, _, err := g.Search(ctx, func(context.Context, []float64) (float64, error) {
			calls++
			cancel()
			return 1, nil
		})
		Expect(err).To(MatchError(context.Canceled))
		Expect(calls).To(Equal(1))
	})

	It("spaces values evenly", func() {
		Expect(optim.Linspace(0, 1, 3)).To(Equal([]float64{0, 0.5, 1}))
		Expect(optim.Linspace(2, 5, 1)).To(Equal([]float64{2}))
	})
})
