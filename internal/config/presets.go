package config

// Presets are starting gain sets for the simulator track.
var Presets = map[string]*GainsPreset{
	"baseline":     {Gains: GainsConfig{Kp: 0.2, Ki: 0.0004, Kd: 3.0}, Throttle: 0.3},
	"integral":     {Gains: GainsConfig{Kp: 0.02, Ki: 0.0004, Kd: 0.03}, Throttle: 0.3},
	"proportional": {Gains: GainsConfig{Kp: 0.04, Ki: 0.0, Kd: 0.0}, Throttle: 0.3},
	"damped":       {Gains: GainsConfig{Kp: 0.10, Ki: 0.0, Kd: 0.001}, Throttle: 0.3},
	"gentle":       {Gains: GainsConfig{Kp: 0.02, Ki: 0.0, Kd: 0.001}, Throttle: 0.3},
	"fast":         {Gains: GainsConfig{Kp: 0.15, Ki: 0.0003, Kd: 2.5}, Throttle: 0.6},
}

type GainsPreset struct {
	Gains    GainsConfig
	Throttle float64
}

func GetPreset(name string) *GainsPreset {
	p, ok := Presets[name]
	if !ok {
		return nil
	}
	return p
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	return names
}

// Apply overwrites the gains and throttle of cfg.
func (p *GainsPreset) Apply(cfg *Config) {
	cfg.Gains = p.Gains
	cfg.Throttle = p.Throttle
}
