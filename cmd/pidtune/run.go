package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/san-kum/pidtune/internal/config"
	"github.com/san-kum/pidtune/internal/control"
	"github.com/san-kum/pidtune/internal/episode"
	"github.com/san-kum/pidtune/internal/metrics"
	"github.com/san-kum/pidtune/internal/optim"
	"github.com/san-kum/pidtune/internal/session"
	"github.com/san-kum/pidtune/internal/transport"
	"github.com/san-kum/pidtune/internal/vehicle"
)

// diagnostic sinks shared by every session of the process
var sinks = episode.Sinks{
	Result: zapcore.Lock(zapcore.AddSync(os.Stdout)),
	Log:    zapcore.Lock(zapcore.AddSync(os.Stderr)),
}

type app struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Collector
	factory *session.Factory
}

func setup(cmd *cobra.Command, args []string) (*app, error) {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, metrics: metrics.New()}
	a.factory = &session.Factory{
		Config:   cfg.EpisodeConfig(),
		Tuning:   cfg.Tuning(),
		Throttle: cfg.Throttle,
		Sinks:    sinks,
		Logger:   log,
		Metrics:  a.metrics,
	}
	if !cfg.Storage.Disable {
		st, err := openStore(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		a.factory.Store = st
	}
	return a, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveMetrics exposes the collector until ctx is done.
func (a *app) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	server := &http.Server{Addr: a.cfg.Server.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	a.log.Info("serving metrics", zap.String("addr", a.cfg.Server.MetricsAddr))
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// finish prints the summary and maps divergence to a non-zero exit.
func finish(sum *episode.Summary) error {
	if sum == nil {
		return nil
	}
	printSummary(os.Stdout, sum)
	if sum.Outcome == episode.Diverged {
		return errDiverged
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd, args)
	if err != nil {
		return err
	}
	defer a.log.Sync()

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var last atomic.Pointer[episode.Summary]
	srv := &transport.WebSocketServer{
		Addr:     a.cfg.Server.Addr,
		Path:     a.cfg.Server.Path,
		Sessions: a.factory,
		Log:      a.log,
		OnFinish: func(sum episode.Summary) {
			last.Store(&sum)
			if a.cfg.Server.ExitOnFinish {
				cancel()
			} else {
				printSummary(os.Stdout, &sum)
			}
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if a.cfg.Server.MetricsAddr != "" {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if a.cfg.Server.ExitOnFinish {
		return finish(last.Load())
	}
	return nil
}

func runCAN(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd, args)
	if err != nil {
		return err
	}
	defer a.log.Sync()

	ctx, stop := signalContext()
	defer stop()

	bus := &transport.CANBus{
		Codec:    transport.FrameCodec{TelemetryID: a.cfg.CAN.TelemetryID, CommandID: a.cfg.CAN.CommandID},
		Sessions: a.factory,
		Log:      a.log,
	}

	var sum *episode.Summary
	g, gctx := errgroup.WithContext(ctx)
	busCtx, busDone := context.WithCancel(gctx)
	g.Go(func() error {
		defer busDone()
		var err error
		sum, err = bus.Serve(busCtx, a.cfg.CAN.Interface)
		return err
	})
	if a.cfg.Server.MetricsAddr != "" {
		g.Go(func() error { return a.serveMetrics(busCtx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return finish(sum)
}

func vehicleParams(cfg *config.Config) vehicle.Params {
	p := vehicle.DefaultParams()
	p.Timestep = cfg.Episode.Timestep
	p.Integrator = integrator
	if noise >= 0 {
		p.NoiseStd = noise
	}
	return p
}

func runDrive(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd, args)
	if err != nil {
		return err
	}
	defer a.log.Sync()

	ctx, stop := signalContext()
	defer stop()

	v, err := vehicle.New(vehicleParams(a.cfg), seed)
	if err != nil {
		return err
	}
	s, err := a.factory.New("drive")
	if err != nil {
		return err
	}

	res, err := vehicle.Drive(ctx, v, s, maxSamples)
	if cerr := s.Close(); cerr != nil {
		a.log.Error("close session", zap.Error(cerr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.log.Info("drive stopped",
		zap.String("session", s.ID),
		zap.Int("samples", res.Samples),
		zap.Float64("sim_time", v.Time()))
	return finish(res.Summary)
}

func parseRange(arg string) ([]float64, error) {
	parts := strings.Split(arg, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("range %q: want lo:hi:n", arg)
	}
	lo, err1 := strconv.ParseFloat(parts[0], 64)
	hi, err2 := strconv.ParseFloat(parts[1], 64)
	n, err3 := strconv.Atoi(parts[2])
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("range %q: %w", arg, err)
	}
	if n < 1 {
		return nil, fmt.Errorf("range %q: need at least one point", arg)
	}
	return optim.Linspace(lo, hi, n), nil
}

// sweepSampleCap bounds a scoring drive that never covers its budget.
const sweepSampleCap = 250000

// scoreGains drives one episode with fixed gains. Zero steps make the
// optimizer converge on its first cost, which is the episode's score.
func scoreGains(ctx context.Context, cfg *config.Config, log *zap.Logger, gains control.Gains, seed uint64) (float64, error) {
	ecfg := cfg.EpisodeConfig()
	ecfg.DistanceBudget = sweepBudget
	ecfg.Verbose = false

	f := &session.Factory{
		Config:   ecfg,
		Tuning:   episode.Tuning{Gains: gains, Steps: make([]float64, 3), Tolerance: cfg.Twiddle.Tolerance},
		Throttle: cfg.Throttle,
		Logger:   log,
	}
	s, err := f.New("sweep")
	if err != nil {
		return 0, err
	}
	defer s.Close()

	v, err := vehicle.New(vehicleParams(cfg), seed)
	if err != nil {
		return 0, err
	}
	limit := maxSamples
	if limit <= 0 {
		limit = sweepSampleCap
	}
	res, err := vehicle.Drive(ctx, v, s, limit)
	if err != nil {
		return 0, err
	}
	if res.Summary == nil {
		return 0, fmt.Errorf("episode did not finish within %d samples", res.Samples)
	}
	if res.Summary.Outcome != episode.Converged {
		return 0, fmt.Errorf("gains %v: %s", gains.Vector(), res.Summary.Outcome)
	}
	return res.Summary.BestCost, nil
}

// scoreEnsemble averages scoreGains over consecutive seeds, one goroutine
// per seed. Any failed drive rejects the gains.
func scoreEnsemble(ctx context.Context, cfg *config.Config, log *zap.Logger, gains control.Gains, runs int) (float64, error) {
	costs := make([]float64, runs)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < runs; i++ {
		g.Go(func() error {
			c, err := scoreGains(gctx, cfg, log, gains, seed+uint64(i))
			costs[i] = c
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return stat.Mean(costs, nil), nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	if sweepSeeds < 1 {
		return fmt.Errorf("--seeds must be at least 1")
	}
	kps, err := parseRange(kpRange)
	if err != nil {
		return err
	}
	kds, err := parseRange(kdRange)
	if err != nil {
		return err
	}
	grid, err := optim.NewGridSearch([][]float64{kps, kds})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("scoring %d gain pairs...\n", grid.Size())
	quiet := log.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	best, cost, err := grid.Search(ctx, func(ctx context.Context, p []float64) (float64, error) {
		g := control.Gains{Kp: p[0], Ki: cfg.Gains.Ki, Kd: p[1]}
		c, err := scoreEnsemble(ctx, cfg, quiet, g, sweepSeeds)
		if err != nil {
			log.Debug("candidate rejected", zap.Float64s("gains", g.Vector()), zap.Error(err))
			return 0, err
		}
		log.Debug("candidate scored", zap.Float64s("gains", g.Vector()), zap.Float64("cost", c))
		return c, nil
	})
	if err != nil {
		return err
	}
	if best == nil {
		return fmt.Errorf("no gain pair completed an episode")
	}

	printGains(os.Stdout, "best gains", control.Gains{Kp: best[0], Ki: cfg.Gains.Ki, Kd: best[1]}, cost)
	return nil
}
