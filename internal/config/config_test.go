package config

import (
	"path/filepath"
	"testing"

	"github.com/mbeckett/survstat/internal/survival/cox"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Ties != "efron" {
		t.Errorf("default ties = %q, want efron", cfg.Ties)
	}
	if cfg.Epsilon <= 0 || cfg.MaxIterations <= 0 {
		t.Error("default convergence settings invalid")
	}
	if cfg.ConfidenceLevel != 0.95 {
		t.Errorf("default confidence level = %v, want 0.95", cfg.ConfidenceLevel)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Ties = "breslow"
	cfg.MaxIterations = 50
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Ties != "breslow" || loaded.MaxIterations != 50 {
		t.Errorf("round trip lost fields: %+v", loaded)
	}
	if loaded.Epsilon != cfg.Epsilon {
		t.Errorf("epsilon = %v, want %v", loaded.Epsilon, cfg.Epsilon)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTieMethod(t *testing.T) {
	tests := []struct {
		in      string
		want    cox.TieMethod
		wantErr bool
	}{
		{"", cox.TiesEfron, false},
		{"efron", cox.TiesEfron, false},
		{"breslow", cox.TiesBreslow, false},
		{"exact", 0, true},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Ties = tt.in
		got, err := cfg.TieMethod()
		if tt.wantErr {
			if err == nil {
				t.Errorf("ties %q: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ties %q: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ties %q = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFitConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ties = "breslow"
	cfg.Epsilon = 1e-6
	cfg.MaxIterations = 40

	fc, err := cfg.FitConfig()
	if err != nil {
		t.Fatal(err)
	}
	if fc.Ties != cox.TiesBreslow || fc.Epsilon != 1e-6 || fc.MaxIter != 40 {
		t.Errorf("fit config = %+v", fc)
	}
	if fc.Covariates == nil {
		t.Error("fit config missing covariate function")
	}
}
