// Package store persists analysis runs as flat files: one directory per run
// holding a metadata summary and CSV tables for the plotting/reporting layer.
package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mbeckett/survstat/internal/analysis"
	"github.com/mbeckett/survstat/internal/dataset"
	"github.com/mbeckett/survstat/internal/survival/km"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

// RegimeSummary is the persisted scalar summary of one regime.
type RegimeSummary struct {
	Regime         string  `json:"regime"`
	Records        int     `json:"records"`
	Rejected       int     `json:"rejected"`
	Events         int     `json:"events"`
	LogRankChi2    float64 `json:"logrank_chi_square"`
	LogRankDF      int     `json:"logrank_df"`
	LogRankP       float64 `json:"logrank_p"`
	Coef           float64 `json:"coefficient"`
	SE             float64 `json:"se"`
	HazardRatio    float64 `json:"hazard_ratio"`
	CILower        float64 `json:"ci_lower"`
	CIUpper        float64 `json:"ci_upper"`
	WaldP          float64 `json:"wald_p"`
	LogLik         float64 `json:"log_likelihood"`
	Iterations     int     `json:"iterations"`
	Converged      bool    `json:"converged"`
	PHGlobalChi2   float64 `json:"ph_global_chi_square"`
	PHGlobalDF     int     `json:"ph_global_df"`
	PHGlobalP      float64 `json:"ph_global_p"`
}

// RunMetadata is the persisted run header.
type RunMetadata struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Ties      string          `json:"ties"`
	Regimes   []RegimeSummary `json:"regimes"`
}

// Save writes one run directory with metadata.json plus a KM table per
// regime and arm, and returns the run ID.
func (s *Store) Save(res *analysis.Results) (string, error) {
	runID := fmt.Sprintf("run_%d", time.Now().Unix())
	runDir := filepath.Join(s.baseDir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	meta := RunMetadata{
		ID:        runID,
		Timestamp: time.Now(),
	}
	for _, rr := range []*analysis.RegimeResult{res.Primary, res.Secondary} {
		if rr == nil {
			continue
		}
		meta.Ties = rr.Cox.Ties.String()
		meta.Regimes = append(meta.Regimes, summarize(rr))

		for grp, curve := range rr.KM {
			name := fmt.Sprintf("km_%s_%s.csv", rr.Regime, grp)
			if err := writeKMTable(filepath.Join(runDir, name), grp, curve); err != nil {
				return "", err
			}
		}
	}

	metaFile, err := os.Create(filepath.Join(runDir, "metadata.json"))
	if err != nil {
		return "", err
	}
	defer metaFile.Close()

	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return "", err
	}

	return runID, nil
}

func summarize(rr *analysis.RegimeResult) RegimeSummary {
	c := rr.CoxSummary[0]
	return RegimeSummary{
		Regime:       rr.Regime.String(),
		Records:      rr.Dataset.Len(),
		Rejected:     len(rr.Dataset.Rejected()),
		Events:       rr.Dataset.NumEvents(),
		LogRankChi2:  rr.LogRank.ChiSquare,
		LogRankDF:    rr.LogRank.DF,
		LogRankP:     rr.LogRank.PValue,
		Coef:         c.Coef,
		SE:           c.SE,
		HazardRatio:  c.HazardRatio,
		CILower:      c.CILower,
		CIUpper:      c.CIUpper,
		WaldP:        c.WaldP,
		LogLik:       rr.Cox.FinalLogLik(),
		Iterations:   rr.Cox.Iterations,
		Converged:    rr.Cox.Converged,
		PHGlobalChi2: rr.PH.Global.ChiSquare,
		PHGlobalDF:   rr.PH.Global.DF,
		PHGlobalP:    rr.PH.Global.PValue,
	}
}

func writeKMTable(path string, grp dataset.Group, curve []km.Point) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"group", "time", "n_at_risk", "n_events", "survival", "ci_lower", "ci_upper"}); err != nil {
		return err
	}
	for _, p := range curve {
		row := []string{
			grp.String(),
			strconv.FormatFloat(p.Time, 'f', 6, 64),
			strconv.Itoa(p.NAtRisk),
			strconv.Itoa(p.NEvents),
			strconv.FormatFloat(p.Survival, 'f', 6, 64),
			strconv.FormatFloat(p.CILower, 'f', 6, 64),
			strconv.FormatFloat(p.CIUpper, 'f', 6, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

// List returns metadata for all stored runs.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	return runs, nil
}

// Load reads one run's metadata.
func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, "metadata.json"))
	if err != nil {
		return nil, err
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
