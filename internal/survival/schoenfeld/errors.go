package schoenfeld

// NotConvergedError reports an attempt to compute the diagnostic from a fit
// that did not converge.
type NotConvergedError struct{}

func (e *NotConvergedError) Error() string {
	return "schoenfeld test requires a converged cox fit"
}
