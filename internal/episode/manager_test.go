package episode_test

import (
	"bytes"
	"math"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/pidtune/internal/control"
	"github.com/san-kum/pidtune/internal/episode"
	"github.com/san-kum/pidtune/internal/optim"
)

type recordingObserver struct {
	samples  int
	episodes []episode.Record
	finished []episode.Summary
}

func (r *recordingObserver) OnSample(cte, speed float64, cmd episode.Command) { r.samples++ }
func (r *recordingObserver) OnEpisode(rec episode.Record)                     { r.episodes = append(r.episodes, rec) }
func (r *recordingObserver) OnFinish(s episode.Summary)                       { r.finished = append(r.finished, s) }

var _ = Describe("Manager", func() {
	var (
		cfg     episode.Config
		tuning  episode.Tuning
		result  *bytes.Buffer
		logSink *bytes.Buffer
		obs     *recordingObserver
	)

	newManager := func() *episode.Manager {
		m, err := episode.NewManager(cfg, tuning, episode.Sinks{Result: result, Log: logSink}, nil)
		Expect(err).NotTo(HaveOccurred())
		m.AddObserver(obs)
		return m
	}

	BeforeEach(func() {
		cfg = episode.DefaultConfig()
		// speed 10 at dt 0.02 covers 0.2 per sample, five samples per episode
		cfg.DistanceBudget = 0.99
		tuning = episode.Tuning{
			Gains:     control.Gains{Kp: 0.2, Ki: 0.0004, Kd: 3.0},
			Steps:     []float64{0.01, 0.00001, 0.1},
			Tolerance: optim.DefaultTolerance,
		}
		result = &bytes.Buffer{}
		logSink = &bytes.Buffer{}
		obs = &recordingObserver{}
	})

	Describe("construction", func() {
		It("bootstraps the optimizer and configures the controller", func() {
			m := newManager()
			Expect(m.Gains()).To(Equal(tuning.Gains))
			Expect(m.Params()).To(Equal(tuning.Gains))
			Expect(m.SearchState()).To(Equal(optim.IterBegins))
			Expect(math.IsInf(m.BestCost(), 1)).To(BeTrue())
		})

		It("rejects a non-positive budget", func() {
			cfg.DistanceBudget = 0
			_, err := episode.NewManager(cfg, tuning, episode.Sinks{}, nil)
			Expect(err).To(MatchError(episode.ErrInvalidConfig))
		})

		It("rejects a step vector of the wrong length", func() {
			tuning.Steps = []float64{0.1}
			_, err := episode.NewManager(cfg, tuning, episode.Sinks{}, nil)
			Expect(err).To(MatchError(optim.ErrDimensionMismatch))
		})
	})

	Describe("divergence", func() {
		It("stops the session without consulting the optimizer", func() {
			m := newManager()

			res, err := m.Step(5.0, 10, 0.3)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(episode.Diverged))
			Expect(res.Outcome.Terminal()).To(BeTrue())
			Expect(res.Command).To(Equal(episode.Command{}))
			Expect(res.Summary).NotTo(BeNil())
			Expect(res.Summary.Episodes).To(Equal(0))
			Expect(res.Summary.Final.Count).To(Equal(1))
			Expect(res.Summary.Final.MeanCTE).To(Equal(5.0))

			Expect(m.SearchState()).To(Equal(optim.IterBegins))
			Expect(math.IsInf(m.BestCost(), 1)).To(BeTrue())
			Expect(obs.episodes).To(BeEmpty())
			Expect(obs.finished).To(HaveLen(1))

			Expect(strings.Count(result.String(), "\n")).To(Equal(1))
			Expect(logSink.String()).To(Equal(result.String()))
		})

		It("takes priority over the episode boundary", func() {
			cfg.DistanceBudget = 0.1
			m := newManager()

			res, err := m.Step(-3.5, 10, 0.3)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(episode.Diverged))
			Expect(res.Episode).To(BeNil())
			Expect(m.Episodes()).To(Equal(0))
		})

		It("refuses further samples", func() {
			m := newManager()
			_, err := m.Step(5.0, 10, 0.3)
			Expect(err).NotTo(HaveOccurred())

			_, err = m.Step(0.1, 10, 0.3)
			Expect(err).To(MatchError(episode.ErrFinished))
			Expect(m.Summary()).NotTo(BeNil())
		})

		It("does not trigger at exactly the bound", func() {
			m := newManager()
			res, err := m.Step(3.0, 1, 0.3)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(episode.Continue))
		})
	})

	Describe("episode boundary", func() {
		It("feeds mean |cte| over mean speed to the optimizer", func() {
			m := newManager()

			ctes := []float64{0.5, -0.5, 0.5, -0.5, 0.5}
			var last episode.Result
			for i, cte := range ctes {
				res, err := m.Step(cte, 10, 0.3)
				Expect(err).NotTo(HaveOccurred())
				if i < len(ctes)-1 {
					Expect(res.Outcome).To(Equal(episode.Continue))
				}
				last = res
			}

			Expect(last.Outcome).To(Equal(episode.EpisodeEnded))
			Expect(last.Episode).NotTo(BeNil())
			Expect(last.Episode.Cost).To(BeNumerically("~", 0.05, 1e-15))
			Expect(last.Episode.Episode).To(Equal(1))
			Expect(last.Episode.Gains).To(Equal(tuning.Gains))
			Expect(last.Episode.Diagnostics.Count).To(Equal(5))
			Expect(last.Episode.Diagnostics.MeanCTE).To(BeNumerically("~", 0.1, 1e-12))

			Expect(m.BestCost()).To(BeNumerically("~", 0.05, 1e-15))
			Expect(m.SearchState()).To(Equal(optim.EvalUp))
			Expect(m.Gains().Kp).To(BeNumerically("~", 0.21, 1e-12))
			Expect(m.Gains()).To(Equal(m.Params()))
			Expect(m.Accumulator()).To(Equal(episode.Accumulator{}))

			// the boundary sample is still answered with the new gains
			Expect(last.Command.Steering).To(BeNumerically(">=", -1))
			Expect(last.Command.Steering).To(BeNumerically("<=", 1))
			Expect(obs.episodes).To(HaveLen(1))
			Expect(obs.samples).To(Equal(5))
		})

		It("keeps controller and optimizer gains synchronized across episodes", func() {
			m := newManager()

			for i := 0; i < 400; i++ {
				cte := 0.3 * math.Sin(float64(i)/7)
				res, err := m.Step(cte, 10, 0.3)
				Expect(err).NotTo(HaveOccurred())
				if res.Outcome == episode.EpisodeEnded {
					Expect(m.Gains()).To(Equal(m.Params()))
					Expect(res.Episode.Next).To(Equal(m.Gains()))
				}
			}
			Expect(m.Episodes()).To(Equal(80))
			Expect(obs.episodes).To(HaveLen(80))
			Expect(strings.Count(result.String(), "\n")).To(Equal(80))
		})

		It("reports convergence with the best gains", func() {
			tuning.Steps = []float64{0, 0, 0}
			m := newManager()

			var res episode.Result
			var err error
			for i := 0; i < 5; i++ {
				res, err = m.Step(0.2, 10, 0.3)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(res.Outcome).To(Equal(episode.Converged))
			Expect(res.Command).To(Equal(episode.Command{}))
			Expect(res.Summary.BestGains).To(Equal(tuning.Gains))
			Expect(res.Summary.BestCost).To(BeNumerically("~", 0.02, 1e-15))
			Expect(res.Summary.Episodes).To(Equal(1))
			Expect(res.Summary.Samples).To(Equal(5))
			Expect(logSink.String()).To(ContainSubstring("Done!"))
			Expect(result.String()).NotTo(ContainSubstring("Done!"))

			_, err = m.Step(0.2, 10, 0.3)
			Expect(err).To(MatchError(episode.ErrFinished))
		})
	})

	Describe("commands", func() {
		It("steers against the error", func() {
			m := newManager()
			res, err := m.Step(0.5, 10, 0.3)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Command.Steering).To(BeNumerically("<", 0))
		})

		It("keeps full throttle scale when tracking is steady", func() {
			tuning.Gains = control.Gains{Kp: 0.1}
			m := newManager()

			res, err := m.Step(0.3, 10, 0.3)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Command.Throttle).To(BeNumerically("~", 0.3*(1-0.09/4.5), 1e-12))
		})

		It("brakes no harder than the negated setpoint", func() {
			tuning.Gains = control.Gains{Kp: 0.1, Kd: 1}
			m := newManager()

			res, err := m.Step(0.3, 10, 0.3)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Command.Throttle).To(BeNumerically("~", -0.3, 1e-12))
		})
	})

	Describe("invalid samples", func() {
		DescribeTable("are rejected before touching state",
			func(cte, speed float64) {
				m := newManager()
				_, err := m.Step(cte, speed, 0.3)
				Expect(err).To(MatchError(episode.ErrInvalidSample))
				Expect(m.Samples()).To(Equal(0))
				Expect(m.Accumulator()).To(Equal(episode.Accumulator{}))
			},
			Entry("NaN cte", math.NaN(), 10.0),
			Entry("infinite speed", 0.1, math.Inf(1)),
			Entry("negative speed", 0.1, -1.0),
		)
	})
})

var _ = Describe("Diagnostics", func() {
	It("formats tab-separated fixed-precision fields", func() {
		d := episode.Diagnostics{
			Gains:      control.Gains{Kp: 0.2, Ki: 0.0004, Kd: 3},
			Throttle:   0.3,
			Count:      5,
			MeanAbsCTE: 0.5,
			Distance:   1,
			MeanSpeed:  10,
		}
		Expect(d.String()).To(Equal("0.2000000\t0.0004000\t3.0000000\t0.3000000\t5\t0.5000000\t0.0000000\t1.0000000\t10.0000000\n"))
	})
})

var _ = Describe("Accumulator", func() {
	It("averages over the message count", func() {
		var a episode.Accumulator
		a.Observe(-1, 8)
		a.Observe(0.5, 12)

		Expect(a.Count).To(Equal(2))
		Expect(a.MeanAbsCTE()).To(Equal(0.75))
		Expect(a.MeanCTE()).To(Equal(-0.25))
		Expect(a.MeanSpeed()).To(Equal(10.0))
		Expect(a.Distance(0.5)).To(Equal(10.0))
		Expect(a.Cost()).To(Equal(0.075))

		a.Reset()
		Expect(a.MeanSpeed()).To(Equal(0.0))
	})
})
