// Package config loads device configuration: environment-backed connection
// settings (the teacher's Load() shape) plus an optional device.yaml
// carrying the static tunables a board variant ships in source control —
// front-end profile, pool class capacities, codec frame duration.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tonypk/hitony-firmware/internal/frontend"
	"github.com/tonypk/hitony-firmware/internal/pool"
)

// Config holds everything cmd/device needs to construct a Device.
type Config struct {
	ServerURL       string
	FirmwareVersion string
	MetricsAddr     string

	Frontend frontend.Config
	Pool     pool.Capacities

	CodecFrameSamples    int
	DownlinkFrameSamples int
	UplinkGain           float64
	RecordingHardCap     time.Duration
}

// Profile is the shape of an optional device.yaml overlay. Zero-valued
// fields are left at their Go default; Load only applies fields the file
// sets.
type Profile struct {
	Frontend *FrontendProfile `yaml:"frontend"`
	Pool     map[string]int   `yaml:"pool"`
	Codec    *CodecProfile    `yaml:"codec"`
}

type FrontendProfile struct {
	EnableAEC        *bool    `yaml:"enable_aec"`
	EnableNoiseSuppr *bool    `yaml:"enable_noise_suppression"`
	EnableAGC        *bool    `yaml:"enable_agc"`
	EnableVAD        *bool    `yaml:"enable_vad"`
	EnableWakeWord   *bool    `yaml:"enable_wake_word"`
	VadSensitivity   *int     `yaml:"vad_sensitivity"`
	WakeModelIDs     []string `yaml:"wake_model_ids"`
}

type CodecProfile struct {
	UplinkFrameSamples   int     `yaml:"uplink_frame_samples"`
	DownlinkFrameSamples int     `yaml:"downlink_frame_samples"`
	UplinkGain           float64 `yaml:"uplink_gain"`
}

// Load reads environment variables (with an optional .env overlay, as the
// teacher's Load() does) for connection settings, then layers an optional
// device.yaml profile on top of the compiled-in defaults for static
// tunables. yamlPath may be empty, in which case only defaults and env
// apply.
func Load(yamlPath string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found or error loading it")
	}

	cfg := Config{
		ServerURL:            getEnv("HITONY_SERVER_URL", "wss://conversation.hitony.example/ws"),
		FirmwareVersion:      getEnv("HITONY_FW_VERSION", "0.1.0"),
		MetricsAddr:          getEnv("HITONY_METRICS_ADDR", ":9090"),
		Frontend:             frontend.DefaultConfig(),
		Pool:                 pool.DefaultCapacities(),
		CodecFrameSamples:    320,
		DownlinkFrameSamples: 960,
		UplinkGain:           3.0,
		RecordingHardCap:     15 * time.Second,
	}

	if yamlPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(yamlPath)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
	}
	applyProfile(&cfg, profile)
	return cfg, nil
}

func applyProfile(cfg *Config, p Profile) {
	if p.Frontend != nil {
		f := p.Frontend
		if f.EnableAEC != nil {
			cfg.Frontend.EnableAEC = *f.EnableAEC
		}
		if f.EnableNoiseSuppr != nil {
			cfg.Frontend.EnableNoiseSuppr = *f.EnableNoiseSuppr
		}
		if f.EnableAGC != nil {
			cfg.Frontend.EnableAGC = *f.EnableAGC
		}
		if f.EnableVAD != nil {
			cfg.Frontend.EnableVAD = *f.EnableVAD
		}
		if f.EnableWakeWord != nil {
			cfg.Frontend.EnableWakeWord = *f.EnableWakeWord
		}
		if f.VadSensitivity != nil {
			cfg.Frontend.VadSensitivity = *f.VadSensitivity
		}
		if len(f.WakeModelIDs) > 0 {
			cfg.Frontend.WakeModelIDs = f.WakeModelIDs
		}
	}
	if len(p.Pool) > 0 {
		caps := pool.Capacities{}
		for k, v := range cfg.Pool {
			caps[k] = v
		}
		for class, n := range p.Pool {
			var c int
			fmt.Sscanf(class, "%d", &c)
			caps[c] = n
		}
		cfg.Pool = caps
	}
	if p.Codec != nil {
		if p.Codec.UplinkFrameSamples > 0 {
			cfg.CodecFrameSamples = p.Codec.UplinkFrameSamples
		}
		if p.Codec.DownlinkFrameSamples > 0 {
			cfg.DownlinkFrameSamples = p.Codec.DownlinkFrameSamples
		}
		if p.Codec.UplinkGain > 0 {
			cfg.UplinkGain = p.Codec.UplinkGain
		}
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
