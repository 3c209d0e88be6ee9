package cox

import "fmt"

// NonConvergenceError reports that the iteration cap was reached before the
// log-likelihood change fell below epsilon. It carries the last iterate so
// the caller can decide whether to refit with relaxed settings.
type NonConvergenceError struct {
	Diagnostics Diagnostics
}

func (e *NonConvergenceError) Error() string {
	return fmt.Sprintf("no convergence after %d iterations (loglik=%.6f, |grad|=%.3e)",
		e.Diagnostics.Iterations, e.Diagnostics.LastLogLik, e.Diagnostics.GradientNorm)
}

// SingularInformationMatrixError reports a non-positive-definite observed
// information matrix, typically from collinear or degenerate covariates.
type SingularInformationMatrixError struct {
	Iteration int
}

func (e *SingularInformationMatrixError) Error() string {
	return fmt.Sprintf("information matrix singular at iteration %d", e.Iteration)
}
