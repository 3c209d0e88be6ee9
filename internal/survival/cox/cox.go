// Package cox fits the stratified Cox proportional-hazards model by
// maximizing the partial likelihood with Newton-Raphson. Risk sets are
// restricted to within-stratum comparisons; each stratum keeps its own
// unspecified baseline hazard and contributes additively to the
// log-likelihood, score and information.
package cox

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mbeckett/survstat/internal/dataset"
)

// TieMethod selects the correction applied when multiple events share one
// time within a stratum. There is no ambient default: callers choose, with
// DefaultFitConfig making the conventional choice explicit.
type TieMethod int

const (
	TiesEfron TieMethod = iota
	TiesBreslow
)

func (t TieMethod) String() string {
	if t == TiesBreslow {
		return "breslow"
	}
	return "efron"
}

// CovariateFunc maps a record to its covariate vector. Every record must map
// to the same length.
type CovariateFunc func(dataset.Record) []float64

// FitConfig are the explicit fitting parameters.
type FitConfig struct {
	Ties       TieMethod
	Epsilon    float64 // convergence threshold on the log-likelihood change
	MaxIter    int
	Covariates CovariateFunc
	Names      []string
}

const (
	DefaultEpsilon = 1e-8
	DefaultMaxIter = 25
)

// DefaultFitConfig uses the Efron tie correction with the single treatment
// indicator covariate.
func DefaultFitConfig() FitConfig {
	return FitConfig{
		Ties:       TiesEfron,
		Epsilon:    DefaultEpsilon,
		MaxIter:    DefaultMaxIter,
		Covariates: dataset.GroupIndicator,
		Names:      []string{"treatment"},
	}
}

// State is the fitting lifecycle. Converged and Failed are terminal.
type State int

const (
	StateInitialized State = iota
	StateIterating
	StateConverged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	case StateFailed:
		return "failed"
	}
	return "initialized"
}

// Diagnostics snapshots the last iterate, retained on failure so callers can
// decide whether to refit with a looser tolerance or a higher cap.
type Diagnostics struct {
	Iterations   int
	LastBeta     []float64
	LastLogLik   float64
	GradientNorm float64
}

// Result is the outcome of a converged fit. It is immutable; the Schoenfeld
// diagnostic consumes it together with the dataset it was fit from.
type Result struct {
	Beta       []float64
	Cov        *mat.SymDense
	LogLik     []float64 // trajectory, one entry per evaluated iterate
	Iterations int
	Converged  bool
	Ties       TieMethod
	Names      []string
	Covariates CovariateFunc
	NEvents    int

	// Score test at beta = 0, an alternative stratified test.
	ScoreStat float64
	ScoreDF   int
	ScoreP    float64
}

// CoefSummary is one row of the fit summary table.
type CoefSummary struct {
	Name        string
	Coef        float64
	SE          float64
	HazardRatio float64
	CILower     float64
	CIUpper     float64
	WaldZ       float64
	WaldP       float64
}

// Summary reports per-covariate Wald statistics at the given confidence
// level (e.g. 0.95).
func (r *Result) Summary(level float64) []CoefSummary {
	z := distuv.UnitNormal.Quantile(0.5 + level/2)
	out := make([]CoefSummary, len(r.Beta))
	for j, b := range r.Beta {
		se := math.Sqrt(r.Cov.At(j, j))
		wz := b / se
		name := ""
		if j < len(r.Names) {
			name = r.Names[j]
		}
		out[j] = CoefSummary{
			Name:        name,
			Coef:        b,
			SE:          se,
			HazardRatio: math.Exp(b),
			CILower:     math.Exp(b - z*se),
			CIUpper:     math.Exp(b + z*se),
			WaldZ:       wz,
			WaldP:       2 * distuv.UnitNormal.Survival(math.Abs(wz)),
		}
	}
	return out
}

// FinalLogLik is the partial log-likelihood at the solution.
func (r *Result) FinalLogLik() float64 {
	if len(r.LogLik) == 0 {
		return math.NaN()
	}
	return r.LogLik[len(r.LogLik)-1]
}

type obs struct {
	start, stop float64
	event       bool
	x           []float64
}

// Model carries the fitting state machine.
type Model struct {
	cfg    FitConfig
	state  State
	diag   Diagnostics
	p      int
	strata [][]obs
	events int
}

// New prepares a model over the dataset's within-stratum observations.
// The per-group stratum invariant is checked up front.
func New(ds *dataset.Dataset, cfg FitConfig) (*Model, error) {
	if cfg.Covariates == nil {
		cfg.Covariates = dataset.GroupIndicator
	}
	if err := ds.CheckStrata(); err != nil {
		return nil, err
	}

	m := &Model{cfg: cfg, state: StateInitialized}
	byStratum := ds.ByStratum()
	for _, key := range ds.StratumKeys() {
		var os []obs
		for _, r := range byStratum[key].Records() {
			x := cfg.Covariates(r)
			if m.p == 0 {
				m.p = len(x)
			}
			os = append(os, obs{start: r.Start, stop: r.Stop, event: r.Event, x: x})
			if r.Event {
				m.events++
			}
		}
		sort.Slice(os, func(i, j int) bool { return os[i].stop < os[j].stop })
		m.strata = append(m.strata, os)
	}

	if m.events == 0 {
		return nil, &dataset.InsufficientEventsError{Context: "cox fit", Events: 0}
	}
	return m, nil
}

// State reports where the fit lifecycle stands.
func (m *Model) State() State { return m.state }

// Diagnostics returns the last iterate snapshot; meaningful after Fit,
// including after a failed fit.
func (m *Model) Diagnostics() Diagnostics { return m.diag }

// Fit runs Newton-Raphson from beta = 0 and returns the converged result.
// The iteration cap is the only termination guarantee; there is no retry.
func (m *Model) Fit() (*Result, error) {
	m.state = StateIterating

	beta := make([]float64, m.p)
	traj := make([]float64, 0, m.cfg.MaxIter+1)

	var (
		scoreStat float64
		prevLL    = math.Inf(-1)
		chol      mat.Cholesky
	)

	delta := mat.NewVecDense(m.p, nil)

	for iter := 0; ; iter++ {
		ll, score, info := m.scoreInfo(beta)
		traj = append(traj, ll)

		m.diag = Diagnostics{
			Iterations:   iter,
			LastBeta:     append([]float64(nil), beta...),
			LastLogLik:   ll,
			GradientNorm: mat.Norm(score, 2),
		}

		if !chol.Factorize(info) {
			m.state = StateFailed
			return nil, &SingularInformationMatrixError{Iteration: iter}
		}

		if iter == 0 {
			// Score test uses the gradient and information at beta = 0.
			if err := chol.SolveVecTo(delta, score); err != nil {
				m.state = StateFailed
				return nil, &SingularInformationMatrixError{Iteration: iter}
			}
			scoreStat = mat.Dot(score, delta)
		}

		if iter > 0 && math.Abs(ll-prevLL) < m.cfg.Epsilon {
			cov := mat.NewSymDense(m.p, nil)
			if err := chol.InverseTo(cov); err != nil {
				m.state = StateFailed
				return nil, &SingularInformationMatrixError{Iteration: iter}
			}
			m.state = StateConverged
			return &Result{
				Beta:       beta,
				Cov:        cov,
				LogLik:     traj,
				Iterations: iter,
				Converged:  true,
				Ties:       m.cfg.Ties,
				Names:      m.cfg.Names,
				Covariates: m.cfg.Covariates,
				NEvents:    m.events,
				ScoreStat:  scoreStat,
				ScoreDF:    m.p,
				ScoreP:     distuv.ChiSquared{K: float64(m.p)}.Survival(scoreStat),
			}, nil
		}

		if iter >= m.cfg.MaxIter {
			m.state = StateFailed
			return nil, &NonConvergenceError{Diagnostics: m.diag}
		}

		if err := chol.SolveVecTo(delta, score); err != nil {
			m.state = StateFailed
			return nil, &SingularInformationMatrixError{Iteration: iter}
		}

		// Step halving keeps the likelihood non-decreasing when a full
		// Newton step overshoots.
		step := 1.0
		for half := 0; half < 5; half++ {
			cand := make([]float64, m.p)
			for j := range cand {
				cand[j] = beta[j] + step*delta.AtVec(j)
			}
			if candLL := m.logLik(cand); candLL >= ll || half == 4 {
				beta = cand
				break
			}
			step /= 2
		}
		prevLL = ll
	}
}

// Fit is the convenience one-shot entry point.
func Fit(ds *dataset.Dataset, cfg FitConfig) (*Result, error) {
	m, err := New(ds, cfg)
	if err != nil {
		return nil, err
	}
	return m.Fit()
}

// scoreInfo evaluates the partial log-likelihood, score vector and observed
// information at beta, summing per-stratum contributions explicitly.
func (m *Model) scoreInfo(beta []float64) (float64, *mat.VecDense, *mat.SymDense) {
	p := m.p
	ll := 0.0
	score := mat.NewVecDense(p, nil)
	info := mat.NewSymDense(p, nil)

	s1 := make([]float64, p)
	s1d := make([]float64, p)
	s2 := make([]float64, p*p)
	s2d := make([]float64, p*p)

	for _, os := range m.strata {
		for _, t := range stratumEventTimes(os) {
			var s0, s0d, sumEta float64
			zero(s1)
			zero(s1d)
			zero(s2)
			zero(s2d)
			sx := make([]float64, p)
			d := 0

			for _, o := range os {
				atRisk := o.start < t && t <= o.stop
				if !atRisk {
					continue
				}
				eta := dot(o.x, beta)
				w := math.Exp(eta)
				s0 += w
				for j := 0; j < p; j++ {
					s1[j] += w * o.x[j]
					for k := j; k < p; k++ {
						s2[j*p+k] += w * o.x[j] * o.x[k]
					}
				}
				if o.event && o.stop == t {
					d++
					sumEta += eta
					s0d += w
					for j := 0; j < p; j++ {
						sx[j] += o.x[j]
						s1d[j] += w * o.x[j]
						for k := j; k < p; k++ {
							s2d[j*p+k] += w * o.x[j] * o.x[k]
						}
					}
				}
			}
			if d == 0 || s0 == 0 {
				continue
			}

			ll += sumEta
			for j := 0; j < p; j++ {
				score.SetVec(j, score.AtVec(j)+sx[j])
			}

			switch m.cfg.Ties {
			case TiesBreslow:
				fd := float64(d)
				ll -= fd * math.Log(s0)
				for j := 0; j < p; j++ {
					score.SetVec(j, score.AtVec(j)-fd*s1[j]/s0)
					for k := j; k < p; k++ {
						info.SetSym(j, k, info.At(j, k)+fd*(s2[j*p+k]/s0-s1[j]*s1[k]/(s0*s0)))
					}
				}
			default: // Efron
				fd := float64(d)
				aj := make([]float64, p)
				for l := 0; l < d; l++ {
					f := float64(l) / fd
					den := s0 - f*s0d
					ll -= math.Log(den)
					for j := 0; j < p; j++ {
						aj[j] = (s1[j] - f*s1d[j]) / den
						score.SetVec(j, score.AtVec(j)-aj[j])
					}
					for j := 0; j < p; j++ {
						for k := j; k < p; k++ {
							term := (s2[j*p+k]-f*s2d[j*p+k])/den - aj[j]*aj[k]
							info.SetSym(j, k, info.At(j, k)+term)
						}
					}
				}
			}
		}
	}

	return ll, score, info
}

// logLik evaluates the partial log-likelihood only, for step halving.
func (m *Model) logLik(beta []float64) float64 {
	ll, _, _ := m.scoreInfo(beta)
	return ll
}

func stratumEventTimes(os []obs) []float64 {
	seen := make(map[float64]bool)
	var times []float64
	for _, o := range os {
		if o.event && !seen[o.stop] {
			seen[o.stop] = true
			times = append(times, o.stop)
		}
	}
	sort.Float64s(times)
	return times
}

func dot(x, beta []float64) float64 {
	s := 0.0
	for j := range x {
		s += x[j] * beta[j]
	}
	return s
}

func zero(v []float64) {
	for i := range v {
		v[i] = 0
	}
}
