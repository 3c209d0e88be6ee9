// Package config loads and saves analysis settings. Every knob that the
// statistical procedures consult is explicit here; there are no ambient
// defaults baked into the algorithms.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mbeckett/survstat/internal/survival/cox"
)

const (
	DefaultEpsilon         = 1e-8
	DefaultMaxIterations   = 25
	DefaultConfidenceLevel = 0.95
	DefaultRejectTolerance = 1.0
)

type Config struct {
	Ties            string  `yaml:"ties"` // efron | breslow
	Epsilon         float64 `yaml:"convergence_epsilon"`
	MaxIterations   int     `yaml:"max_iterations"`
	ConfidenceLevel float64 `yaml:"confidence_level"`
	RejectTolerance float64 `yaml:"reject_tolerance"`
}

func DefaultConfig() *Config {
	return &Config{
		Ties:            "efron",
		Epsilon:         DefaultEpsilon,
		MaxIterations:   DefaultMaxIterations,
		ConfidenceLevel: DefaultConfidenceLevel,
		RejectTolerance: DefaultRejectTolerance,
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

// TieMethod maps the config string to the explicit cox option.
func (c *Config) TieMethod() (cox.TieMethod, error) {
	switch c.Ties {
	case "", "efron":
		return cox.TiesEfron, nil
	case "breslow":
		return cox.TiesBreslow, nil
	}
	return 0, fmt.Errorf("unknown tie method %q (want efron or breslow)", c.Ties)
}

// FitConfig builds the cox fitting parameters from the config.
func (c *Config) FitConfig() (cox.FitConfig, error) {
	ties, err := c.TieMethod()
	if err != nil {
		return cox.FitConfig{}, err
	}
	fc := cox.DefaultFitConfig()
	fc.Ties = ties
	if c.Epsilon > 0 {
		fc.Epsilon = c.Epsilon
	}
	if c.MaxIterations > 0 {
		fc.MaxIter = c.MaxIterations
	}
	return fc, nil
}
