package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/san-kum/pidtune/internal/config"
)

var (
	configFile string
	preset     string
	dataDir    string
	logLevel   string
	devLog     bool
	noStore    bool

	kp       float64
	ki       float64
	kd       float64
	throttle float64

	budget    float64
	tolerance float64
	verbose   bool

	addr         string
	path         string
	metricsAddr  string
	exitOnFinish bool

	iface string

	seed       uint64
	maxSamples int
	noise      float64
	integrator string

	kpRange     string
	kdRange     string
	sweepBudget float64
	sweepSeeds  int
)

// errDiverged makes the process exit non-zero after a diverged session.
var errDiverged = errors.New("tracking diverged")

func main() {
	rootCmd := &cobra.Command{
		Use:           "pidtune",
		Short:         "online PID steering gain tuner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", config.DefaultDataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "log level")
	rootCmd.PersistentFlags().BoolVar(&devLog, "dev", false, "development console logging")

	serveCmd := &cobra.Command{
		Use:   "serve [kp ki kd throttle]",
		Short: "tune against the simulator over websocket",
		Args:  gainArgs,
		RunE:  runServe,
	}
	tuningFlags(serveCmd)
	serveCmd.Flags().StringVar(&addr, "addr", config.DefaultAddr, "listen address")
	serveCmd.Flags().StringVar(&path, "path", config.DefaultPath, "websocket path")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "prometheus listen address")
	serveCmd.Flags().BoolVar(&exitOnFinish, "exit-on-finish", true, "stop after the first session finishes")

	canCmd := &cobra.Command{
		Use:   "can [kp ki kd throttle]",
		Short: "tune over a SocketCAN bus",
		Args:  gainArgs,
		RunE:  runCAN,
	}
	tuningFlags(canCmd)
	canCmd.Flags().StringVar(&iface, "iface", config.DefaultCANInterface, "CAN interface")
	canCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "prometheus listen address")

	driveCmd := &cobra.Command{
		Use:   "drive [kp ki kd throttle]",
		Short: "tune against the built-in kinematic vehicle",
		Args:  gainArgs,
		RunE:  runDrive,
	}
	tuningFlags(driveCmd)
	driveFlags(driveCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "grid search kp and kd on the built-in vehicle",
		RunE:  runSweep,
	}
	driveFlags(sweepCmd)
	sweepCmd.Flags().Float64Var(&ki, "ki", config.DefaultKi, "fixed integral gain")
	sweepCmd.Flags().Float64Var(&throttle, "throttle", config.DefaultThrottle, "throttle setpoint")
	sweepCmd.Flags().Float64Var(&sweepBudget, "budget", 500, "distance budget of the scoring episode")
	sweepCmd.Flags().IntVar(&sweepSeeds, "seeds", 3, "noise seeds averaged per candidate")
	sweepCmd.Flags().StringVar(&kpRange, "kp-range", "0.05:0.4:8", "kp grid as lo:hi:n")
	sweepCmd.Flags().StringVar(&kdRange, "kd-range", "0.5:4:8", "kd grid as lo:hi:n")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "list stored sessions",
		RunE:  listRuns,
	}

	showCmd := &cobra.Command{
		Use:   "show [run_id]",
		Short: "summarize a stored session",
		Args:  cobra.ExactArgs(1),
		RunE:  showRun,
	}

	exportCSVCmd := &cobra.Command{
		Use:   "export-csv [run_id]",
		Short: "export episodes to CSV",
		Args:  cobra.ExactArgs(1),
		RunE:  exportCSV,
	}

	exportJSONCmd := &cobra.Command{
		Use:   "export-json [run_id]",
		Short: "export a session to JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  exportJSON,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list gain presets",
		RunE:  listPresets,
	}

	rootCmd.AddCommand(serveCmd, canCmd, driveCmd, sweepCmd, runsCmd, showCmd, exportCSVCmd, exportJSONCmd, presetsCmd)

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errDiverged) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func tuningFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&preset, "preset", "", "start from a gain preset")
	cmd.Flags().Float64Var(&kp, "kp", config.DefaultKp, "initial proportional gain")
	cmd.Flags().Float64Var(&ki, "ki", config.DefaultKi, "initial integral gain")
	cmd.Flags().Float64Var(&kd, "kd", config.DefaultKd, "initial derivative gain")
	cmd.Flags().Float64Var(&throttle, "throttle", config.DefaultThrottle, "throttle setpoint")
	cmd.Flags().Float64Var(&budget, "budget", 0, "episode distance budget (0 keeps the configured value)")
	cmd.Flags().Float64Var(&tolerance, "tol", 0, "twiddle tolerance (0 keeps the configured value)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log every sample")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not record the session")
}

func driveFlags(cmd *cobra.Command) {
	cmd.Flags().Uint64Var(&seed, "seed", 1, "noise seed")
	cmd.Flags().IntVar(&maxSamples, "max-samples", 0, "stop after this many samples (0 runs to completion)")
	cmd.Flags().Float64Var(&noise, "noise", -1, "cte noise std (negative keeps the default)")
	cmd.Flags().StringVar(&integrator, "integrator", "rk4", "vehicle integrator (rk4, euler)")
}

// gainArgs accepts either nothing or the four startup values kp ki kd throttle.
func gainArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 0 && len(args) != 4 {
		return fmt.Errorf("expected 0 or 4 arguments (kp ki kd throttle), got %d", len(args))
	}
	for _, a := range args {
		if _, err := strconv.ParseFloat(a, 64); err != nil {
			return fmt.Errorf("invalid number %q", a)
		}
	}
	return nil
}

// loadConfig layers defaults, the config file, a preset, changed flags and
// finally positional gains.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if preset != "" {
		p := config.GetPreset(preset)
		if p == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
		}
		p.Apply(cfg)
	}

	flags := cmd.Flags()
	if flags.Changed("kp") {
		cfg.Gains.Kp = kp
	}
	if flags.Changed("ki") {
		cfg.Gains.Ki = ki
	}
	if flags.Changed("kd") {
		cfg.Gains.Kd = kd
	}
	if flags.Changed("throttle") {
		cfg.Throttle = throttle
	}
	if budget > 0 {
		cfg.Episode.DistanceBudget = budget
	}
	if tolerance > 0 {
		cfg.Twiddle.Tolerance = tolerance
	}
	if flags.Changed("verbose") {
		cfg.Episode.Verbose = verbose
	}
	if flags.Changed("addr") {
		cfg.Server.Addr = addr
	}
	if flags.Changed("path") {
		cfg.Server.Path = path
	}
	if flags.Changed("metrics-addr") {
		cfg.Server.MetricsAddr = metricsAddr
	}
	if flags.Changed("exit-on-finish") {
		cfg.Server.ExitOnFinish = exitOnFinish
	}
	if flags.Changed("iface") {
		cfg.CAN.Interface = iface
	}
	if flags.Changed("data") {
		cfg.Storage.Dir = dataDir
	}
	if flags.Changed("no-store") {
		cfg.Storage.Disable = noStore
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("dev") {
		cfg.Log.Development = devLog
	}

	if len(args) == 4 {
		vals := make([]float64, 4)
		for i, a := range args {
			v, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", a)
			}
			vals[i] = v
		}
		cfg.Gains = config.GainsConfig{Kp: vals[0], Ki: vals[1], Kd: vals[2]}
		cfg.Throttle = vals[3]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = level
	return zc.Build()
}
