package analysis_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbeckett/survstat/internal/analysis"
	"github.com/mbeckett/survstat/internal/config"
	"github.com/mbeckett/survstat/internal/dataset"
	"github.com/mbeckett/survstat/internal/simulate"
	"github.com/mbeckett/survstat/internal/survival/cox"
)

func newOrchestrator() *analysis.Orchestrator {
	return analysis.New(config.DefaultConfig(), zap.NewNop())
}

// 133 subjects split 67/66 across four well-populated strata must run the
// whole pipeline under both regimes without tripping the stratum invariant.
func TestRun_ModerateTrial(t *testing.T) {
	rows := simulate.Trial(simulate.DefaultConfig())
	require.Len(t, rows, 133)

	res, err := newOrchestrator().Run(context.Background(), rows)
	require.NoError(t, err)

	for _, rr := range []*analysis.RegimeResult{res.Primary, res.Secondary} {
		require.NotNil(t, rr)
		assert.Equal(t, 1, rr.LogRank.DF)
		assert.True(t, rr.Cox.Converged)
		assert.NotEmpty(t, rr.KM[dataset.Control])
		assert.NotEmpty(t, rr.KM[dataset.Treatment])
		assert.NotNil(t, rr.PH)
		assert.Len(t, rr.CoxSummary, 1)
	}
}

// With every entry delay at zero the left-truncation regime must reproduce
// the pure right-censoring analysis exactly.
func TestRun_ZeroDelayRegimesIdentical(t *testing.T) {
	cfg := simulate.DefaultConfig()
	cfg.MaxEntryDelay = 0
	rows := simulate.Trial(cfg)

	res, err := newOrchestrator().Run(context.Background(), rows)
	require.NoError(t, err)

	assert.Equal(t, res.Primary.LogRank.ChiSquare, res.Secondary.LogRank.ChiSquare)
	assert.Equal(t, res.Primary.Cox.Beta, res.Secondary.Cox.Beta)
	assert.Equal(t, res.Primary.Cox.ScoreStat, res.Secondary.Cox.ScoreStat)
	assert.Equal(t, res.Primary.PH.Global, res.Secondary.PH.Global)
	assert.Equal(t, res.Primary.KM[dataset.Treatment], res.Secondary.KM[dataset.Treatment])
}

func TestRun_EmptyStratumSurfaces(t *testing.T) {
	rows := []analysis.Row{
		{ID: "a", Group: dataset.Control, Stratum: "s1", FollowTime: 5, Event: true},
		{ID: "b", Group: dataset.Treatment, Stratum: "s1", FollowTime: 7, Event: true},
		{ID: "c", Group: dataset.Control, Stratum: "s2", FollowTime: 9, Event: true},
	}
	_, err := newOrchestrator().Run(context.Background(), rows)
	var ese *dataset.EmptyStratumError
	require.True(t, errors.As(err, &ese))
	assert.Equal(t, "s2", ese.Stratum)
}

func TestBuildDataset_Regimes(t *testing.T) {
	rows := []analysis.Row{
		{ID: "a", Group: dataset.Control, Stratum: "s1", EntryDelay: 4, FollowTime: 10, Event: true},
	}

	primary, err := analysis.BuildDataset(rows, analysis.RegimePrimary, dataset.DefaultOptions())
	require.NoError(t, err)
	rec := primary.Records()[0]
	assert.Equal(t, 0.0, rec.Start)
	assert.Equal(t, 10.0, rec.Stop)

	secondary, err := analysis.BuildDataset(rows, analysis.RegimeSecondary, dataset.DefaultOptions())
	require.NoError(t, err)
	rec = secondary.Records()[0]
	assert.Equal(t, 4.0, rec.Start)
	assert.Equal(t, 14.0, rec.Stop)
}

// Under a null effect the fitted hazard ratio is centered on 1 and the Wald
// p-values are roughly uniform.
func TestRun_NullEffectCalibration(t *testing.T) {
	if testing.Short() {
		t.Skip("simulation study")
	}

	const trials = 200
	var sumBeta, sumHR float64
	small := 0

	for seed := int64(1); seed <= trials; seed++ {
		cfg := simulate.DefaultConfig()
		cfg.Seed = seed
		ds, err := analysis.BuildDataset(simulate.Trial(cfg), analysis.RegimePrimary, dataset.DefaultOptions())
		require.NoError(t, err)

		fit, err := cox.Fit(ds, cox.DefaultFitConfig())
		require.NoError(t, err)

		s := fit.Summary(0.95)[0]
		sumBeta += s.Coef
		sumHR += s.HazardRatio
		if s.WaldP < 0.05 {
			small++
		}
	}

	meanBeta := sumBeta / trials
	meanHR := sumHR / trials
	assert.InDelta(t, 0, meanBeta, 0.08, "mean coefficient should be near zero")
	assert.Greater(t, meanHR, 0.85)
	assert.Less(t, meanHR, 1.2)

	// Expected rejection rate 5%; allow wide binomial slack.
	frac := float64(small) / trials
	assert.Less(t, frac, 0.12, "too many false positives")
	assert.False(t, math.IsNaN(frac))
}
