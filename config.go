package main

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Bind      string          `yaml:"bind"`
	Port      int             `yaml:"port" validate:"min=1,max=65535"`
	Token     string          `yaml:"token"`
	LogLevel  string          `yaml:"log_level" validate:"oneof=debug info warn error"`
	Simulator SimulatorConfig `yaml:"simulator"`
	EventLog  EventLogConfig  `yaml:"event_log"`
	Device    DeviceConfig    `yaml:"device"`
}

type SimulatorConfig struct {
	MinTickInterval time.Duration `yaml:"min_tick_interval" validate:"gt=0"`
	MaxTickInterval time.Duration `yaml:"max_tick_interval" validate:"gtefield=MinTickInterval"`
	MinuteInterval  time.Duration `yaml:"minute_interval" validate:"gt=0"`
	SyncDuration    time.Duration `yaml:"sync_duration" validate:"gt=0"`
	// Seed fixes the random sequence; 0 seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

type EventLogConfig struct {
	Capacity    int  `yaml:"capacity" validate:"min=1"`
	SeedEntries bool `yaml:"seed_entries"`
}

type DeviceConfig struct {
	SSID string `yaml:"ssid" validate:"max=32"`
}

func defaultConfig() *Config {
	return &Config{
		Port:     9200,
		LogLevel: "info",
		Simulator: SimulatorConfig{
			MinTickInterval: 2 * time.Second,
			MaxTickInterval: 4 * time.Second,
			MinuteInterval:  time.Minute,
			SyncDuration:    3 * time.Second,
		},
		EventLog: EventLogConfig{
			Capacity:    200,
			SeedEntries: true,
		},
		Device: DeviceConfig{
			SSID: "SynqBox-Network",
		},
	}
}

// loadConfig reads path over the defaults. A missing file yields defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) SimulatorOptions() SimulatorOptions {
	return SimulatorOptions{
		MinTickInterval: c.Simulator.MinTickInterval,
		MaxTickInterval: c.Simulator.MaxTickInterval,
		MinuteInterval:  c.Simulator.MinuteInterval,
		SyncDuration:    c.Simulator.SyncDuration,
		SeedMinutes:     3,
	}
}
