package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/pidtune/internal/control"
	"github.com/san-kum/pidtune/internal/episode"
	"github.com/san-kum/pidtune/internal/optim"
)

const (
	DefaultKp       = 0.2
	DefaultKi       = 0.0004
	DefaultKd       = 3.0
	DefaultThrottle = 0.3

	DefaultAddr         = ":4567"
	DefaultPath         = "/"
	DefaultCANInterface = "vcan0"
	DefaultTelemetryID  = 0x310
	DefaultCommandID    = 0x311
	DefaultDataDir      = ".pidtune"
	DefaultLogLevel     = "info"
)

// DefaultSteps is the initial perturbation vector for Kp, Ki, Kd.
var DefaultSteps = []float64{0.01, 0.00001, 0.1}

type Config struct {
	Gains    GainsConfig   `yaml:"gains"`
	Throttle float64       `yaml:"throttle"`
	Twiddle  TwiddleConfig `yaml:"twiddle"`
	Episode  EpisodeConfig `yaml:"episode"`
	Server   ServerConfig  `yaml:"server"`
	CAN      CANConfig     `yaml:"can"`
	Storage  StorageConfig `yaml:"storage"`
	Log      LogConfig     `yaml:"log"`
}

type GainsConfig struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
}

type TwiddleConfig struct {
	Steps     []float64 `yaml:"steps"`
	Tolerance float64   `yaml:"tolerance"`
}

type EpisodeConfig struct {
	DistanceBudget  float64 `yaml:"distance_budget"`
	Timestep        float64 `yaml:"timestep"`
	DivergenceBound float64 `yaml:"divergence_bound"`
	Verbose         bool    `yaml:"verbose"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	Path         string `yaml:"path"`
	ExitOnFinish bool   `yaml:"exit_on_finish"`
	MetricsAddr  string `yaml:"metrics_addr"`
}

type CANConfig struct {
	Interface   string `yaml:"interface"`
	TelemetryID uint32 `yaml:"telemetry_id"`
	CommandID   uint32 `yaml:"command_id"`
}

type StorageConfig struct {
	Dir     string `yaml:"dir"`
	Disable bool   `yaml:"disable"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		Gains:    GainsConfig{Kp: DefaultKp, Ki: DefaultKi, Kd: DefaultKd},
		Throttle: DefaultThrottle,
		Twiddle: TwiddleConfig{
			Steps:     append([]float64(nil), DefaultSteps...),
			Tolerance: optim.DefaultTolerance,
		},
		Episode: EpisodeConfig{
			DistanceBudget:  episode.DefaultDistanceBudget,
			Timestep:        episode.DefaultTimestep,
			DivergenceBound: episode.DefaultDivergenceBound,
		},
		Server: ServerConfig{
			Addr:         DefaultAddr,
			Path:         DefaultPath,
			ExitOnFinish: true,
		},
		CAN: CANConfig{
			Interface:   DefaultCANInterface,
			TelemetryID: DefaultTelemetryID,
			CommandID:   DefaultCommandID,
		},
		Storage: StorageConfig{Dir: DefaultDataDir},
		Log:     LogConfig{Level: DefaultLogLevel},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if len(c.Twiddle.Steps) != 3 {
		return fmt.Errorf("twiddle.steps needs one entry per gain, got %d", len(c.Twiddle.Steps))
	}
	for i, s := range c.Twiddle.Steps {
		if s < 0 {
			return fmt.Errorf("twiddle.steps[%d] must be non-negative, got %g", i, s)
		}
	}
	if c.Twiddle.Tolerance <= 0 {
		return fmt.Errorf("twiddle.tolerance must be positive, got %g", c.Twiddle.Tolerance)
	}
	if c.Episode.DistanceBudget <= 0 {
		return fmt.Errorf("episode.distance_budget must be positive, got %g", c.Episode.DistanceBudget)
	}
	if c.Episode.Timestep <= 0 {
		return fmt.Errorf("episode.timestep must be positive, got %g", c.Episode.Timestep)
	}
	if c.Episode.DivergenceBound <= 0 {
		return fmt.Errorf("episode.divergence_bound must be positive, got %g", c.Episode.DivergenceBound)
	}
	if c.CAN.TelemetryID == c.CAN.CommandID {
		return fmt.Errorf("can.telemetry_id and can.command_id must differ")
	}
	return nil
}

func (c *Config) EpisodeConfig() episode.Config {
	return episode.Config{
		DistanceBudget:  c.Episode.DistanceBudget,
		Timestep:        c.Episode.Timestep,
		DivergenceBound: c.Episode.DivergenceBound,
		Verbose:         c.Episode.Verbose,
	}
}

func (c *Config) Tuning() episode.Tuning {
	return episode.Tuning{
		Gains:     control.Gains{Kp: c.Gains.Kp, Ki: c.Gains.Ki, Kd: c.Gains.Kd},
		Steps:     append([]float64(nil), c.Twiddle.Steps...),
		Tolerance: c.Twiddle.Tolerance,
	}
}
