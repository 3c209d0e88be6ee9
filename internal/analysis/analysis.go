// Package analysis composes the survival engine over one trial extract,
// running the primary (right-censoring only) and secondary (left-truncated)
// regimes as independent parallel tasks. Each regime builds its own immutable
// dataset; within a regime the Kaplan-Meier curves, log-rank test and Cox fit
// run concurrently, and the Schoenfeld diagnostic waits for the Cox fit.
package analysis

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mbeckett/survstat/internal/config"
	"github.com/mbeckett/survstat/internal/dataset"
	"github.com/mbeckett/survstat/internal/survival/cox"
	"github.com/mbeckett/survstat/internal/survival/km"
	"github.com/mbeckett/survstat/internal/survival/logrank"
	"github.com/mbeckett/survstat/internal/survival/schoenfeld"
)

// Row is one subject as delivered by the ingestion layer: already coded,
// already in day counts. EntryDelay is days from symptom onset to
// randomization; FollowTime is days from randomization to event or censoring.
type Row struct {
	ID         string
	Group      dataset.Group
	Stratum    string
	EntryDelay float64
	FollowTime float64
	Event      bool
}

// Regime selects the time scale of an analysis.
type Regime int

const (
	// RegimePrimary measures time from randomization; no truncation.
	RegimePrimary Regime = iota
	// RegimeSecondary measures time from symptom onset with delayed entry
	// at randomization (left truncation).
	RegimeSecondary
)

func (r Regime) String() string {
	if r == RegimeSecondary {
		return "secondary"
	}
	return "primary"
}

// RegimeResult is the immutable output of one regime.
type RegimeResult struct {
	Regime     Regime
	Dataset    *dataset.Dataset
	KM         map[dataset.Group][]km.Point
	LogRank    *logrank.Result
	Cox        *cox.Result
	CoxSummary []cox.CoefSummary
	PH         *schoenfeld.Test
}

// Results pairs the two regimes.
type Results struct {
	Primary   *RegimeResult
	Secondary *RegimeResult
}

// Orchestrator wires configuration and logging around the engine.
type Orchestrator struct {
	cfg *config.Config
	log *zap.Logger
}

func New(cfg *config.Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, log: log}
}

// BuildDataset maps rows onto the time scale of one regime. The secondary
// regime is a strict generalization: with every entry delay at zero it
// produces a dataset identical to the primary one.
func BuildDataset(rows []Row, regime Regime, opts dataset.Options) (*dataset.Dataset, error) {
	recs := make([]dataset.Record, 0, len(rows))
	for _, row := range rows {
		rec := dataset.Record{
			ID:      row.ID,
			Event:   row.Event,
			Group:   row.Group,
			Stratum: row.Stratum,
		}
		switch regime {
		case RegimeSecondary:
			rec.Start = row.EntryDelay
			rec.Stop = row.EntryDelay + row.FollowTime
		default:
			rec.Start = 0
			rec.Stop = row.FollowTime
		}
		recs = append(recs, rec)
	}
	return dataset.New(recs, opts)
}

// Run executes both regimes. The two analyses share no mutable state and no
// ordering requirement; the first error cancels the sibling via the group
// context.
func (o *Orchestrator) Run(ctx context.Context, rows []Row) (*Results, error) {
	res := &Results{}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := o.runRegime(ctx, rows, RegimePrimary)
		if err != nil {
			return fmt.Errorf("primary analysis: %w", err)
		}
		res.Primary = r
		return nil
	})
	g.Go(func() error {
		r, err := o.runRegime(ctx, rows, RegimeSecondary)
		if err != nil {
			return fmt.Errorf("secondary analysis: %w", err)
		}
		res.Secondary = r
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// RunRegime executes a single regime, for callers that need only one
// time scale.
func (o *Orchestrator) RunRegime(ctx context.Context, rows []Row, regime Regime) (*RegimeResult, error) {
	return o.runRegime(ctx, rows, regime)
}

func (o *Orchestrator) runRegime(ctx context.Context, rows []Row, regime Regime) (*RegimeResult, error) {
	ds, err := BuildDataset(rows, regime, dataset.Options{RejectTolerance: o.cfg.RejectTolerance})
	if err != nil {
		return nil, err
	}
	if err := ds.CheckStrata(); err != nil {
		return nil, err
	}
	for _, rej := range ds.Rejected() {
		o.log.Warn("record rejected",
			zap.String("regime", regime.String()),
			zap.String("subject", rej.ID),
			zap.String("reason", rej.Reason))
	}
	o.log.Info("dataset built",
		zap.String("regime", regime.String()),
		zap.Int("records", ds.Len()),
		zap.Int("rejected", len(ds.Rejected())),
		zap.Int("events", ds.NumEvents()))

	fitCfg, err := o.cfg.FitConfig()
	if err != nil {
		return nil, err
	}

	res := &RegimeResult{
		Regime:  regime,
		Dataset: ds,
		KM:      make(map[dataset.Group][]km.Point, 2),
	}

	// KM per arm, log-rank and the Cox fit are independent of each other;
	// only the Schoenfeld diagnostic needs the converged fit. Each task
	// writes its own field, so no locking is needed.
	var kmControl, kmTreatment []km.Point
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		kmControl = km.New(ds.Subset(dataset.Control), o.cfg.ConfidenceLevel).Curve()
		return nil
	})
	g.Go(func() error {
		kmTreatment = km.New(ds.Subset(dataset.Treatment), o.cfg.ConfidenceLevel).Curve()
		return nil
	})
	g.Go(func() error {
		lr, err := logrank.Test(ds)
		if err != nil {
			return fmt.Errorf("log-rank: %w", err)
		}
		res.LogRank = lr
		return nil
	})
	g.Go(func() error {
		fit, err := cox.Fit(ds, fitCfg)
		if err != nil {
			return fmt.Errorf("cox fit: %w", err)
		}
		res.Cox = fit
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.KM[dataset.Control] = kmControl
	res.KM[dataset.Treatment] = kmTreatment

	res.CoxSummary = res.Cox.Summary(o.cfg.ConfidenceLevel)

	ph, err := schoenfeld.Compute(ds, res.Cox)
	if err != nil {
		return nil, fmt.Errorf("schoenfeld: %w", err)
	}
	res.PH = ph

	o.log.Info("regime complete",
		zap.String("regime", regime.String()),
		zap.Float64("logrank_chi2", res.LogRank.ChiSquare),
		zap.Float64("hazard_ratio", res.CoxSummary[0].HazardRatio),
		zap.Int("cox_iterations", res.Cox.Iterations),
		zap.Float64("ph_global_p", res.PH.Global.PValue))

	return res, nil
}
