// Package dataset holds validated subject-level survival data. A Dataset is
// built once per analysis regime and is read-only afterwards; every downstream
// procedure (Kaplan-Meier, log-rank, Cox) consumes it without mutation.
package dataset

import (
	"fmt"
	"math"
	"sort"
)

// Group is the binary treatment arm label. The engine never infers labels
// from raw codes; the ingestion layer assigns them.
type Group int

const (
	Control   Group = 0
	Treatment Group = 1
)

func (g Group) String() string {
	if g == Treatment {
		return "treatment"
	}
	return "control"
}

// Record is one subject interval on the study time scale. Start is entry into
// the risk set (0 when there is no left truncation) and Stop is the event or
// censoring time. A record is valid when Stop > Start >= 0.
type Record struct {
	ID      string
	Start   float64
	Stop    float64
	Event   bool
	Group   Group
	Stratum string
}

func (r Record) valid() (string, bool) {
	switch {
	case math.IsNaN(r.Start) || math.IsInf(r.Start, 0):
		return "non-finite start time", false
	case math.IsNaN(r.Stop) || math.IsInf(r.Stop, 0):
		return "non-finite stop time", false
	case r.Start < 0:
		return "negative start time", false
	case r.Stop <= r.Start:
		return "stop time not after start time", false
	}
	return "", true
}

// Rejection records why a raw row was excluded, so rejects are reported
// rather than silently dropped.
type Rejection struct {
	ID     string
	Reason string
}

// Options controls construction. RejectTolerance is the fraction of input
// rows allowed to fail validation before New returns InvalidRecordError;
// the default of 1.0 means rejects are only reported, never fatal.
type Options struct {
	RejectTolerance float64
}

// DefaultOptions tolerates any number of rejects (report-only).
func DefaultOptions() Options {
	return Options{RejectTolerance: 1.0}
}

// Dataset is an immutable collection of valid records plus the rejections
// observed during construction.
type Dataset struct {
	records  []Record
	rejected []Rejection
	strata   map[string][]Record
}

// New validates rows and partitions them into kept records and rejections.
// It fails with InvalidRecordError when the rejected fraction exceeds
// opts.RejectTolerance.
func New(rows []Record, opts Options) (*Dataset, error) {
	d := &Dataset{
		records: make([]Record, 0, len(rows)),
		strata:  make(map[string][]Record),
	}

	for _, r := range rows {
		if reason, ok := r.valid(); !ok {
			d.rejected = append(d.rejected, Rejection{ID: r.ID, Reason: reason})
			continue
		}
		d.records = append(d.records, r)
		d.strata[r.Stratum] = append(d.strata[r.Stratum], r)
	}

	if len(rows) > 0 {
		frac := float64(len(d.rejected)) / float64(len(rows))
		if frac > opts.RejectTolerance {
			err := &InvalidRecordError{Total: len(rows)}
			for _, rej := range d.rejected {
				err.IDs = append(err.IDs, rej.ID)
			}
			return nil, err
		}
	}

	return d, nil
}

// Len is the number of valid records.
func (d *Dataset) Len() int { return len(d.records) }

// Records returns the valid records. Callers must treat the slice as
// read-only.
func (d *Dataset) Records() []Record { return d.records }

// Rejected returns the rows excluded during construction with their reasons.
func (d *Dataset) Rejected() []Rejection { return d.rejected }

// NumAtRisk counts records in the risk set at time t under the
// counting-process rule Start < t <= Stop. Under left truncation this count
// can rise as subjects enter mid-follow-up; that is correct output.
func (d *Dataset) NumAtRisk(t float64) int {
	n := 0
	for _, r := range d.records {
		if r.Start < t && t <= r.Stop {
			n++
		}
	}
	return n
}

// RiskSet returns the records at risk at time t (Start < t <= Stop).
func (d *Dataset) RiskSet(t float64) []Record {
	var out []Record
	for _, r := range d.records {
		if r.Start < t && t <= r.Stop {
			out = append(out, r)
		}
	}
	return out
}

// Subset returns the records belonging to one treatment arm as a new Dataset
// sharing no mutable state with the receiver.
func (d *Dataset) Subset(g Group) *Dataset {
	sub := &Dataset{strata: make(map[string][]Record)}
	for _, r := range d.records {
		if r.Group == g {
			sub.records = append(sub.records, r)
			sub.strata[r.Stratum] = append(sub.strata[r.Stratum], r)
		}
	}
	return sub
}

// ByStratum maps each stratum key to its sub-dataset.
func (d *Dataset) ByStratum() map[string]*Dataset {
	out := make(map[string]*Dataset, len(d.strata))
	for key, recs := range d.strata {
		out[key] = &Dataset{
			records: recs,
			strata:  map[string][]Record{key: recs},
		}
	}
	return out
}

// StratumKeys returns the stratum keys in sorted order so per-stratum
// reductions are deterministic.
func (d *Dataset) StratumKeys() []string {
	keys := make([]string, 0, len(d.strata))
	for k := range d.strata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EventTimes returns the distinct times at which events occur, ascending.
func (d *Dataset) EventTimes() []float64 {
	seen := make(map[float64]bool)
	var times []float64
	for _, r := range d.records {
		if r.Event && !seen[r.Stop] {
			seen[r.Stop] = true
			times = append(times, r.Stop)
		}
	}
	sort.Float64s(times)
	return times
}

// NumEvents counts observed events.
func (d *Dataset) NumEvents() int {
	n := 0
	for _, r := range d.records {
		if r.Event {
			n++
		}
	}
	return n
}

// MaxStop returns the largest observed stop time, or 0 for an empty dataset.
func (d *Dataset) MaxStop() float64 {
	m := 0.0
	for _, r := range d.records {
		if r.Stop > m {
			m = r.Stop
		}
	}
	return m
}

// CheckStrata verifies that every stratum contains at least one record from
// each arm. Stratified procedures must not run when a stratum has an empty
// group, so this fails with EmptyStratumError naming the offender.
func (d *Dataset) CheckStrata() error {
	for _, key := range d.StratumKeys() {
		var nControl, nTreatment int
		for _, r := range d.strata[key] {
			if r.Group == Treatment {
				nTreatment++
			} else {
				nControl++
			}
		}
		if nControl == 0 {
			return &EmptyStratumError{Stratum: key, Group: Control}
		}
		if nTreatment == 0 {
			return &EmptyStratumError{Stratum: key, Group: Treatment}
		}
	}
	return nil
}

// GroupIndicator is the single-covariate design used by the two-arm
// analyses: 1 for the treatment arm, 0 for control.
func GroupIndicator(r Record) []float64 {
	if r.Group == Treatment {
		return []float64{1}
	}
	return []float64{0}
}

// String summarizes the dataset for logs.
func (d *Dataset) String() string {
	return fmt.Sprintf("dataset{records=%d rejected=%d strata=%d events=%d}",
		len(d.records), len(d.rejected), len(d.strata), d.NumEvents())
}
