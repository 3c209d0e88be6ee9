// Package logrank implements the stratified (Mantel-Haenszel) log-rank test
// comparing two treatment arms.
package logrank

import (
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mbeckett/survstat/internal/dataset"
)

// Result holds the pooled test. ObsMinusExp and Variance are the
// Mantel-Haenszel sums across strata, kept for diagnostics.
type Result struct {
	ChiSquare   float64
	DF          int
	PValue      float64
	ObsMinusExp float64
	Variance    float64
	Events      int
}

// Test runs the stratified two-group log-rank test. Within each stratum the
// hypergeometric observed-minus-expected and variance contributions are
// accumulated over the pooled distinct event times, then summed across
// strata (never averaged). Tied event times use the pooled risk set and
// event count at that exact time.
func Test(ds *dataset.Dataset) (*Result, error) {
	if err := ds.CheckStrata(); err != nil {
		return nil, err
	}

	var sumOE, sumV float64
	events := 0

	byStratum := ds.ByStratum()
	for _, key := range ds.StratumKeys() {
		oe, v, d := stratumContribution(byStratum[key])
		sumOE += oe
		sumV += v
		events += d
	}

	if events == 0 || sumV == 0 {
		return nil, &dataset.InsufficientEventsError{Context: "log-rank test", Events: events}
	}

	chi2 := sumOE * sumOE / sumV
	return &Result{
		ChiSquare:   chi2,
		DF:          1,
		PValue:      distuv.ChiSquared{K: 1}.Survival(chi2),
		ObsMinusExp: sumOE,
		Variance:    sumV,
		Events:      events,
	}, nil
}

// stratumContribution walks the pooled event times of one stratum and sums
// observed-minus-expected events in the treatment arm together with the
// hypergeometric variance. Time points with a single subject at risk carry
// no variance information and are skipped in the variance sum.
func stratumContribution(sub *dataset.Dataset) (oe, v float64, events int) {
	eventsAt := make(map[float64][2]int) // [control, treatment] event counts
	for _, r := range sub.Records() {
		if r.Event {
			c := eventsAt[r.Stop]
			c[r.Group]++
			eventsAt[r.Stop] = c
		}
	}

	for _, t := range sub.EventTimes() {
		var nA, nB int // treatment, control at risk
		for _, r := range sub.RiskSet(t) {
			if r.Group == dataset.Treatment {
				nA++
			} else {
				nB++
			}
		}
		n := nA + nB
		if n == 0 {
			continue
		}

		c := eventsAt[t]
		d := c[dataset.Control] + c[dataset.Treatment]
		dA := c[dataset.Treatment]
		events += d

		oe += float64(dA) - float64(nA)*float64(d)/float64(n)
		if n > 1 {
			fn := float64(n)
			v += float64(nA) * float64(nB) * float64(d) * (fn - float64(d)) / (fn * fn * (fn - 1))
		}
	}
	return oe, v, events
}
