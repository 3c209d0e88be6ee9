// Package km implements the Kaplan-Meier product-limit estimator with
// Greenwood variance and log-minus-log confidence intervals.
package km

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mbeckett/survstat/internal/dataset"
)

// Point is one row of the survival curve at a distinct event time (plus one
// terminal point when censored-only times follow the last event).
type Point struct {
	Time     float64
	NAtRisk  int
	NEvents  int
	Survival float64
	Variance float64
	CILower  float64
	CIUpper  float64
}

// Estimator computes the product-limit curve for one dataset, typically a
// single treatment arm. The curve is a pure function of the dataset: Curve
// recomputes from scratch on every call and holds no iterator state.
type Estimator struct {
	ds    *dataset.Dataset
	level float64
}

// New builds an estimator with the given confidence level, e.g. 0.95.
func New(ds *dataset.Dataset, level float64) *Estimator {
	return &Estimator{ds: ds, level: level}
}

// Curve returns the survival curve ordered by time ascending. Between event
// times the curve is flat; a final point at the largest observed time is
// emitted even when no event occurs there, so censored tails are visible.
func (e *Estimator) Curve() []Point {
	if e.ds.Len() == 0 {
		return nil
	}

	z := distuv.Normal{Mu: 0, Sigma: 1}.Quantile(0.5 + e.level/2)

	eventsAt := make(map[float64]int)
	for _, r := range e.ds.Records() {
		if r.Event {
			eventsAt[r.Stop]++
		}
	}

	times := e.ds.EventTimes()
	points := make([]Point, 0, len(times)+1)

	surv := 1.0
	gw := 0.0 // Greenwood sum: sum d/(n(n-d))

	for _, t := range times {
		n := e.ds.NumAtRisk(t)
		d := eventsAt[t]
		if n == 0 {
			continue
		}

		surv *= 1 - float64(d)/float64(n)
		if n > d {
			gw += float64(d) / (float64(n) * float64(n-d))
		} else {
			// Risk set exhausted: survival is exactly zero and the
			// Greenwood sum is undefined beyond this point.
			surv = 0
		}

		p := Point{
			Time:     t,
			NAtRisk:  n,
			NEvents:  d,
			Survival: surv,
		}
		p.Variance, p.CILower, p.CIUpper = greenwood(surv, gw, z)
		points = append(points, p)
	}

	// Terminal point for censored-only tails.
	if last := e.ds.MaxStop(); len(points) == 0 || last > points[len(points)-1].Time {
		p := Point{
			Time:     last,
			NAtRisk:  e.ds.NumAtRisk(last),
			NEvents:  0,
			Survival: surv,
		}
		p.Variance, p.CILower, p.CIUpper = greenwood(surv, gw, z)
		points = append(points, p)
	}

	return points
}

// greenwood returns the Greenwood variance and the log-minus-log interval,
// which keeps both bounds inside [0,1] without clipping.
func greenwood(surv, gw, z float64) (variance, lower, upper float64) {
	switch {
	case surv <= 0:
		return 0, 0, 0
	case surv >= 1:
		return 0, 1, 1
	}

	variance = surv * surv * gw
	if gw <= 0 {
		return variance, surv, surv
	}

	se := math.Sqrt(gw) / math.Abs(math.Log(surv))
	lower = math.Pow(surv, math.Exp(z*se))
	upper = math.Pow(surv, math.Exp(-z*se))
	return variance, lower, upper
}
