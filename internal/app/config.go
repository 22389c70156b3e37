package app

import (
	"errors"
	"fmt"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	GridPath string // hcl file or directory

	LogFormat string
	LogLevel  string

	// Iterations is how many times the program runs. Later runs reuse the
	// device copies of cacheable parameters.
	Iterations int
	// Dump prints the disassembled program before running it.
	Dump bool
	// EmitPath receives the encoded instruction stream when set.
	EmitPath string

	MetricsPort int
	EventsURL   string
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.GridPath == "" {
		return nil, errors.New("GridPath is a required configuration field and cannot be empty")
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = 1
	}
	if cfg.Iterations < 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", cfg.Iterations)
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return nil, fmt.Errorf("metrics port %d is out of range", cfg.MetricsPort)
	}
	return &cfg, nil
}
