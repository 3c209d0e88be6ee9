package dataset

import (
	"fmt"
	"strings"
)

// InvalidRecordError reports that too many input rows failed validation.
type InvalidRecordError struct {
	IDs   []string
	Total int
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("%d of %d records invalid: %s",
		len(e.IDs), e.Total, strings.Join(e.IDs, ", "))
}

// EmptyStratumError reports a stratum with no records in one arm, which makes
// within-stratum comparison impossible.
type EmptyStratumError struct {
	Stratum string
	Group   Group
}

func (e *EmptyStratumError) Error() string {
	return fmt.Sprintf("stratum %q has no %s records", e.Stratum, e.Group)
}

// InsufficientEventsError reports that a procedure saw too few events for a
// stable variance estimate.
type InsufficientEventsError struct {
	Context string
	Events  int
}

func (e *InsufficientEventsError) Error() string {
	return fmt.Sprintf("%s: %d events is too few for a stable estimate", e.Context, e.Events)
}
