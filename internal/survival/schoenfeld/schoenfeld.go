// Package schoenfeld tests the proportional-hazards assumption of a fitted
// Cox model by regressing scaled Schoenfeld residuals against a monotone
// transform of event time (Grambsch-Therneau). A large statistic signals a
// time-varying effect, invalidating the single hazard-ratio summary.
package schoenfeld

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mbeckett/survstat/internal/dataset"
	"github.com/mbeckett/survstat/internal/survival/cox"
)

// Residual is one observed event's deviation of its covariates from the
// risk-set-weighted mean at its time, restricted to its stratum. Scaled is
// the Grambsch-Therneau scaling m*V*raw + beta. Residuals are computed once
// from a converged fit and never mutated.
type Residual struct {
	Time    float64
	Stratum string
	Raw     []float64
	Scaled  []float64
}

// CovariateTest is one chi-square row of the diagnostic table.
type CovariateTest struct {
	Name      string
	ChiSquare float64
	DF        int
	PValue    float64
}

// Test holds the per-covariate rows, the global test and the residuals that
// produced them.
type Test struct {
	Rows      []CovariateTest
	Global    CovariateTest
	Residuals []Residual
}

// Compute derives the Schoenfeld diagnostic from a converged fit and the
// dataset it was fit from. The time transform is the rank of the event time
// (average ranks on ties), so extreme spacing between late events does not
// dominate the regression. The computation is a pure function of its inputs.
func Compute(ds *dataset.Dataset, fit *cox.Result) (*Test, error) {
	if !fit.Converged {
		return nil, &NotConvergedError{}
	}

	res := residuals(ds, fit)
	m := len(res)
	if m < 2 {
		return nil, &dataset.InsufficientEventsError{Context: "schoenfeld test", Events: m}
	}
	p := len(fit.Beta)

	g := rankTransform(res)
	gbar := mean(g)
	var sgg float64
	for _, gi := range g {
		sgg += (gi - gbar) * (gi - gbar)
	}
	if sgg == 0 {
		return nil, &dataset.InsufficientEventsError{Context: "schoenfeld test", Events: m}
	}

	t := &Test{Residuals: res}
	global := 0.0
	for j := 0; j < p; j++ {
		var num float64
		for i := range res {
			num += (g[i] - gbar) * res[i].Scaled[j]
		}
		chi2 := num * num / (float64(m) * fit.Cov.At(j, j) * sgg)
		global += chi2

		name := ""
		if j < len(fit.Names) {
			name = fit.Names[j]
		}
		t.Rows = append(t.Rows, CovariateTest{
			Name:      name,
			ChiSquare: chi2,
			DF:        1,
			PValue:    distuv.ChiSquared{K: 1}.Survival(chi2),
		})
	}

	// Per-covariate statistics combined under independence.
	t.Global = CovariateTest{
		Name:      "GLOBAL",
		ChiSquare: global,
		DF:        p,
		PValue:    distuv.ChiSquared{K: float64(p)}.Survival(global),
	}
	return t, nil
}

// residuals computes one raw and scaled residual per observed event, ordered
// by event time ascending.
func residuals(ds *dataset.Dataset, fit *cox.Result) []Residual {
	p := len(fit.Beta)
	byStratum := ds.ByStratum()

	var out []Residual
	for _, key := range ds.StratumKeys() {
		sub := byStratum[key]
		for _, ev := range sub.Records() {
			if !ev.Event {
				continue
			}
			t := ev.Stop

			var s0 float64
			s1 := make([]float64, p)
			for _, r := range sub.Records() {
				if !(r.Start < t && t <= r.Stop) {
					continue
				}
				x := fit.Covariates(r)
				w := math.Exp(dotProduct(x, fit.Beta))
				s0 += w
				for j := 0; j < p; j++ {
					s1[j] += w * x[j]
				}
			}

			x := fit.Covariates(ev)
			raw := make([]float64, p)
			for j := 0; j < p; j++ {
				raw[j] = x[j] - s1[j]/s0
			}

			// Scaled residual: m * V * raw + beta.
			scaled := make([]float64, p)
			for j := 0; j < p; j++ {
				var vr float64
				for k := 0; k < p; k++ {
					vr += fit.Cov.At(j, k) * raw[k]
				}
				scaled[j] = float64(fit.NEvents)*vr + fit.Beta[j]
			}

			out = append(out, Residual{Time: t, Stratum: key, Raw: raw, Scaled: scaled})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

// rankTransform assigns ranks by event time, averaging over ties so the
// transform is deterministic regardless of input order.
func rankTransform(res []Residual) []float64 {
	n := len(res)
	g := make([]float64, n)
	i := 0
	for i < n {
		j := i
		for j < n && res[j].Time == res[i].Time {
			j++
		}
		avg := float64(i+j+1) / 2 // average of ranks i+1 .. j
		for k := i; k < j; k++ {
			g[k] = avg
		}
		i = j
	}
	return g
}

func mean(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func dotProduct(x, beta []float64) float64 {
	s := 0.0
	for j := range x {
		s += x[j] * beta[j]
	}
	return s
}
