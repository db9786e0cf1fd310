package optim_test

import (
	"math"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/pidtune/internal/optim"
)

func bootstrapped(pars, dp []float64) *optim.Twiddle {
	tw, err := optim.NewTwiddle(pars, dp, optim.DefaultTolerance, nil)
	Expect(err).NotTo(HaveOccurred())
	_, err = tw.Evaluate(math.NaN())
	Expect(err).NotTo(HaveOccurred())
	return tw
}

var _ = Describe("Twiddle", func() {
	Describe("construction", func() {
		It("rejects mismatched vector lengths", func() {
			_, err := optim.NewTwiddle([]float64{1, 2, 3}, []float64{0.1, 0.1}, optim.DefaultTolerance, nil)
			Expect(err).To(MatchError(optim.ErrDimensionMismatch))
		})

		It("rejects an empty parameter vector", func() {
			_, err := optim.NewTwiddle(nil, nil, optim.DefaultTolerance, nil)
			Expect(err).To(MatchError(optim.ErrEmptyParams))
		})

		It("rejects negative and non-finite steps", func() {
			_, err := optim.NewTwiddle([]float64{1}, []float64{-0.1}, optim.DefaultTolerance, nil)
			Expect(err).To(MatchError(optim.ErrInvalidStep))

			_, err = optim.NewTwiddle([]float64{1}, []float64{math.NaN()}, optim.DefaultTolerance, nil)
			Expect(err).To(MatchError(optim.ErrInvalidStep))
		})

		It("rejects a non-positive tolerance", func() {
			_, err := optim.NewTwiddle([]float64{1}, []float64{0.1}, 0, nil)
			Expect(err).To(MatchError(optim.ErrInvalidTolerance))
		})

		It("starts in global_begins with an infinite best error", func() {
			tw, err := optim.NewTwiddle([]float64{1, 2}, []float64{0.1, 0.1}, optim.DefaultTolerance, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(tw.State()).To(Equal(optim.GlobalBegins))
			Expect(tw.Index()).To(Equal(0))
			Expect(math.IsInf(tw.BestErr(), 1)).To(BeTrue())
			Expect(tw.BestParams()).To(Equal([]float64{1, 2}))
		})

		It("does not alias the caller's slices", func() {
			pars := []float64{1, 2}
			dp := []float64{0.1, 0.1}
			tw, err := optim.NewTwiddle(pars, dp, optim.DefaultTolerance, nil)
			Expect(err).NotTo(HaveOccurred())
			pars[0] = 99
			dp[0] = 99
			Expect(tw.Params()).To(Equal([]float64{1, 2}))
			Expect(tw.Steps()).To(Equal([]float64{0.1, 0.1}))
		})
	})

	Describe("bootstrap round trip", func() {
		It("returns the initial vector and then perturbs the first gain", func() {
			tw, err := optim.NewTwiddle([]float64{0.2, 0, 0}, []float64{0.1, 0, 0}, optim.DefaultTolerance, nil)
			Expect(err).NotTo(HaveOccurred())

			pars, err := tw.Evaluate(math.NaN())
			Expect(err).NotTo(HaveOccurred())
			Expect(pars).To(Equal([]float64{0.2, 0, 0}))
			Expect(tw.State()).To(Equal(optim.IterBegins))

			pars, err = tw.Evaluate(1.0)
			Expect(err).NotTo(HaveOccurred())
			Expect(tw.BestErr()).To(Equal(1.0))
			Expect(tw.BestParams()).To(Equal([]float64{0.2, 0, 0}))
			Expect(pars[0]).To(BeNumerically("~", 0.3, 1e-12))
			Expect(pars[1:]).To(Equal([]float64{0, 0}))
			Expect(tw.State()).To(Equal(optim.EvalUp))
			Expect(tw.Evaluations()).To(Equal(1))
		})
	})

	Describe("convergence", func() {
		It("finishes immediately when the steps already sum below tolerance", func() {
			tw := bootstrapped([]float64{0.5, 0.1, 2}, []float64{1e-8, 1e-8, 1e-8})

			pars, err := tw.Evaluate(0.3)
			Expect(err).NotTo(HaveOccurred())
			Expect(tw.State()).To(Equal(optim.Done))
			Expect(tw.Done()).To(BeTrue())
			Expect(pars).To(Equal([]float64{0.5, 0.1, 2}))
			Expect(tw.BestErr()).To(Equal(0.3))
		})

		It("treats evaluate after done as a no-op", func() {
			tw := bootstrapped([]float64{0.5}, []float64{0})
			_, err := tw.Evaluate(0.3)
			Expect(err).NotTo(HaveOccurred())
			Expect(tw.Done()).To(BeTrue())

			pars, err := tw.Evaluate(0.01)
			Expect(err).NotTo(HaveOccurred())
			Expect(pars).To(Equal([]float64{0.5}))
			Expect(tw.BestErr()).To(Equal(0.3))
			Expect(tw.State()).To(Equal(optim.Done))
		})

		It("finds the minimum of a separable quadratic", func() {
			target := []float64{0.3, -0.2, 2.5}
			cost := func(p []float64) float64 {
				s := 0.0
				for i := range p {
					s += (p[i] - target[i]) * (p[i] - target[i])
				}
				return s
			}

			tw, err := optim.NewTwiddle([]float64{0, 0, 0}, []float64{0.1, 0.1, 1}, optim.DefaultTolerance, nil)
			Expect(err).NotTo(HaveOccurred())
			pars, err := tw.Evaluate(math.NaN())
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 100000 && !tw.Done(); i++ {
				pars, err = tw.Evaluate(cost(pars))
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(tw.Done()).To(BeTrue())
			best := tw.BestParams()
			for i := range target {
				Expect(best[i]).To(BeNumerically("~", target[i], 1e-2))
			}
		})
	})

	Describe("step adaptation", func() {
		It("grows every step by 1.1 when each upward probe improves", func() {
			tw := bootstrapped([]float64{1, 1, 1}, []float64{0.1, 0.2, 0.3})

			_, err := tw.Evaluate(10)
			Expect(err).NotTo(HaveOccurred())

			cost := 9.0
			for sweep := 1; sweep <= 3; sweep++ {
				for i := 0; i < 3; i++ {
					_, err := tw.Evaluate(cost)
					Expect(err).NotTo(HaveOccurred())
					cost--
				}
				scale := math.Pow(1.1, float64(sweep))
				steps := tw.Steps()
				Expect(steps[0]).To(BeNumerically("~", 0.1*scale, 1e-12))
				Expect(steps[1]).To(BeNumerically("~", 0.2*scale, 1e-12))
				Expect(steps[2]).To(BeNumerically("~", 0.3*scale, 1e-12))
				Expect(tw.State()).To(Equal(optim.EvalUp))
				Expect(tw.Index()).To(Equal(0))
			}
		})

		It("shrinks a step by 0.9 and restores the baseline when both probes fail", func() {
			tw := bootstrapped([]float64{1, 2}, []float64{0.1, 0.5})

			pars, err := tw.Evaluate(10)
			Expect(err).NotTo(HaveOccurred())
			Expect(pars[0]).To(BeNumerically("~", 1.1, 1e-12))

			pars, err = tw.Evaluate(11)
			Expect(err).NotTo(HaveOccurred())
			Expect(tw.State()).To(Equal(optim.EvalDown))
			Expect(pars[0]).To(BeNumerically("~", 0.9, 1e-12))

			pars, err = tw.Evaluate(12)
			Expect(err).NotTo(HaveOccurred())
			Expect(pars[0]).To(BeNumerically("~", 1.0, 1e-12))
			Expect(tw.Steps()[0]).To(BeNumerically("~", 0.09, 1e-12))
			Expect(tw.Index()).To(Equal(1))
			Expect(tw.State()).To(Equal(optim.EvalUp))
			Expect(pars[1]).To(BeNumerically("~", 2.5, 1e-12))
			Expect(tw.BestErr()).To(Equal(10.0))
			Expect(tw.BestParams()).To(Equal([]float64{1, 2}))
		})

		It("keeps the lowered value and step when the downward probe improves", func() {
			tw := bootstrapped([]float64{1, 2}, []float64{0.1, 0.5})

			_, err := tw.Evaluate(10)
			Expect(err).NotTo(HaveOccurred())
			_, err = tw.Evaluate(11)
			Expect(err).NotTo(HaveOccurred())
			pars, err := tw.Evaluate(5)
			Expect(err).NotTo(HaveOccurred())

			Expect(tw.BestErr()).To(Equal(5.0))
			Expect(tw.BestParams()[0]).To(BeNumerically("~", 0.9, 1e-12))
			Expect(tw.Steps()[0]).To(Equal(0.1))
			Expect(pars[0]).To(BeNumerically("~", 0.9, 1e-12))
			Expect(tw.Index()).To(Equal(1))
		})

		It("closes a sweep by rerunning the convergence check", func() {
			tw := bootstrapped([]float64{1}, []float64{0.1})

			_, err := tw.Evaluate(10)
			Expect(err).NotTo(HaveOccurred())
			pars, err := tw.Evaluate(5)
			Expect(err).NotTo(HaveOccurred())

			// one-parameter vectors wrap straight back to the upward probe
			Expect(tw.State()).To(Equal(optim.EvalUp))
			Expect(tw.Index()).To(Equal(0))
			Expect(pars[0]).To(BeNumerically("~", 1.1+0.11, 1e-12))
		})
	})

	Describe("best error", func() {
		It("never increases", func() {
			rng := rand.New(rand.NewSource(7))
			tw := bootstrapped([]float64{0.2, 0.0004, 3}, []float64{0.01, 0.00001, 0.1})

			prev := tw.BestErr()
			for i := 0; i < 2000 && !tw.Done(); i++ {
				_, err := tw.Evaluate(rng.Float64() * 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(tw.BestErr()).To(BeNumerically("<=", prev))
				prev = tw.BestErr()
			}
		})
	})

	Describe("invalid costs", func() {
		DescribeTable("are rejected without changing state",
			func(cost float64) {
				tw := bootstrapped([]float64{1, 2}, []float64{0.1, 0.1})
				before := tw.Params()

				_, err := tw.Evaluate(cost)
				Expect(err).To(MatchError(optim.ErrInvalidCost))
				Expect(tw.State()).To(Equal(optim.IterBegins))
				Expect(tw.Params()).To(Equal(before))
				Expect(tw.Evaluations()).To(Equal(0))
			},
			Entry("NaN", math.NaN()),
			Entry("negative", -0.5),
			Entry("positive infinity", math.Inf(1)),
		)

		It("accepts a zero cost", func() {
			tw := bootstrapped([]float64{1}, []float64{0.1})
			_, err := tw.Evaluate(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(tw.BestErr()).To(Equal(0.0))
		})
	})

	It("names its states", func() {
		Expect(optim.EvalDown.String()).To(Equal("eval_down"))
		Expect(optim.State(42).String()).To(Equal("state(42)"))
	})
})
