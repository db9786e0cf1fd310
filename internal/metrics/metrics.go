package metrics

import (
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/san-kum/pidtune/internal/episode"
)

const namespace = "pidtune"

// Collector exports session progress. A single Collector is shared by all
// sessions of a process.
type Collector struct {
	registry *prometheus.Registry

	samples        prometheus.Counter
	episodes       prometheus.Counter
	finished       *prometheus.CounterVec
	activeSessions prometheus.Gauge
	lastCost       prometheus.Gauge
	bestCost       prometheus.Gauge
	gains          *prometheus.GaugeVec
	steering       prometheus.Histogram
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Telemetry samples answered with a command.",
		}),
		episodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_total",
			Help:      "Episodes scored and fed to the optimizer.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Sessions that reached a terminal outcome.",
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently receiving telemetry.",
		}),
		lastCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "episode_cost",
			Help:      "Cost of the most recently closed episode.",
		}),
		bestCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_cost",
			Help:      "Lowest cost reported by the optimizer of the most recent episode.",
		}),
		gains: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gain",
			Help:      "Gains applied after the most recent episode.",
		}, []string{"term"}),
		steering: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "steering_abs",
			Help:      "Magnitude of steering commands.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
	}
	c.registry.MustRegister(
		c.samples, c.episodes, c.finished, c.activeSessions,
		c.lastCost, c.bestCost, c.gains, c.steering,
	)
	return c
}

func (c *Collector) OnSample(cte, speed float64, cmd episode.Command) {
	c.samples.Inc()
	c.steering.Observe(math.Abs(cmd.Steering))
}

func (c *Collector) OnEpisode(r episode.Record) {
	c.episodes.Inc()
	c.lastCost.Set(r.Cost)
	c.bestCost.Set(r.BestCost)
	c.gains.WithLabelValues("kp").Set(r.Next.Kp)
	c.gains.WithLabelValues("ki").Set(r.Next.Ki)
	c.gains.WithLabelValues("kd").Set(r.Next.Kd)
}

func (c *Collector) OnFinish(s episode.Summary) {
	c.finished.WithLabelValues(s.Outcome.String()).Inc()
}

func (c *Collector) SessionStarted() { c.activeSessions.Inc() }

func (c *Collector) SessionEnded() { c.activeSessions.Dec() }

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
