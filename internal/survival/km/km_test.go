package km

import (
	"math"
	"testing"

	"github.com/mbeckett/survstat/internal/dataset"
)

func mustDataset(t *testing.T, recs []dataset.Record) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.New(recs, dataset.DefaultOptions())
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	return ds
}

func TestCurve_HandComputed(t *testing.T) {
	// Four subjects: events at 1 and 3, censored at 2 and 4.
	ds := mustDataset(t, []dataset.Record{
		{ID: "a", Stop: 1, Event: true},
		{ID: "b", Stop: 2},
		{ID: "c", Stop: 3, Event: true},
		{ID: "d", Stop: 4},
	})

	points := New(ds, 0.95).Curve()
	if len(points) != 3 {
		t.Fatalf("expected 3 points (2 events + terminal), got %d", len(points))
	}

	// t=1: n=4, d=1, S = 3/4, var = S^2 * 1/(4*3)
	p := points[0]
	if p.Time != 1 || p.NAtRisk != 4 || p.NEvents != 1 {
		t.Errorf("point 0 = %+v", p)
	}
	if math.Abs(p.Survival-0.75) > 1e-12 {
		t.Errorf("S(1) = %v, want 0.75", p.Survival)
	}
	if math.Abs(p.Variance-0.75*0.75/12) > 1e-12 {
		t.Errorf("Var(1) = %v, want %v", p.Variance, 0.75*0.75/12)
	}

	// t=3: n=2, d=1, S = 3/8, var = S^2 * (1/12 + 1/2)
	p = points[1]
	if p.NAtRisk != 2 || math.Abs(p.Survival-0.375) > 1e-12 {
		t.Errorf("point 1 = %+v", p)
	}
	wantVar := 0.375 * 0.375 * (1.0/12 + 0.5)
	if math.Abs(p.Variance-wantVar) > 1e-12 {
		t.Errorf("Var(3) = %v, want %v", p.Variance, wantVar)
	}

	// Terminal point at the censored tail, flat survival.
	p = points[2]
	if p.Time != 4 || p.NEvents != 0 || math.Abs(p.Survival-0.375) > 1e-12 {
		t.Errorf("terminal point = %+v", p)
	}
}

func TestCurve_Properties(t *testing.T) {
	recs := []dataset.Record{
		{ID: "1", Stop: 2, Event: true},
		{ID: "2", Stop: 2, Event: true}, // tied events
		{ID: "3", Stop: 3},
		{ID: "4", Stop: 5, Event: true},
		{ID: "5", Stop: 7},
		{ID: "6", Stop: 9, Event: true},
		{ID: "7", Stop: 11},
	}
	points := New(mustDataset(t, recs), 0.95).Curve()

	prev := 1.0
	for i, p := range points {
		if p.Survival < 0 || p.Survival > 1 {
			t.Errorf("point %d: survival %v outside [0,1]", i, p.Survival)
		}
		if p.Survival > prev {
			t.Errorf("point %d: survival increased %v -> %v", i, prev, p.Survival)
		}
		if p.Variance < 0 {
			t.Errorf("point %d: negative variance %v", i, p.Variance)
		}
		if p.CILower < 0 || p.CIUpper > 1 || p.CILower > p.CIUpper {
			t.Errorf("point %d: bad CI [%v, %v]", i, p.CILower, p.CIUpper)
		}
		if i > 0 && p.Time <= points[i-1].Time {
			t.Errorf("point %d: times not ascending", i)
		}
		prev = p.Survival
	}
}

func TestCurve_LeftTruncation(t *testing.T) {
	// Staggered entry: the number at risk rises before it falls, which is
	// expected under delayed entry and must not be corrected away.
	ds := mustDataset(t, []dataset.Record{
		{ID: "a", Start: 0, Stop: 10, Event: true},
		{ID: "b", Start: 5, Stop: 12, Event: true},
		{ID: "c", Start: 8, Stop: 20},
	})

	points := New(ds, 0.95).Curve()
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	if points[0].NAtRisk != 3 {
		t.Errorf("n at risk at t=10: got %d, want 3", points[0].NAtRisk)
	}
	if points[1].NAtRisk != 2 {
		t.Errorf("n at risk at t=12: got %d, want 2", points[1].NAtRisk)
	}

	// Early on only the first subject is at risk.
	if n := ds.NumAtRisk(1); n != 1 {
		t.Errorf("n at risk at t=1: got %d, want 1", n)
	}
}

func TestCurve_NoEvents(t *testing.T) {
	ds := mustDataset(t, []dataset.Record{
		{ID: "a", Stop: 3},
		{ID: "b", Stop: 6},
	})
	points := New(ds, 0.95).Curve()
	if len(points) != 1 {
		t.Fatalf("expected single terminal point, got %d", len(points))
	}
	if points[0].Time != 6 || points[0].Survival != 1 {
		t.Errorf("terminal point = %+v", points[0])
	}
}

func TestCurve_Restartable(t *testing.T) {
	ds := mustDataset(t, []dataset.Record{
		{ID: "a", Stop: 1, Event: true},
		{ID: "b", Stop: 2},
		{ID: "c", Stop: 3, Event: true},
	})
	est := New(ds, 0.95)

	first := est.Curve()
	second := est.Curve()
	if len(first) != len(second) {
		t.Fatalf("curve lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("point %d differs between calls: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestCurve_RiskSetExhausted(t *testing.T) {
	ds := mustDataset(t, []dataset.Record{
		{ID: "a", Stop: 1, Event: true},
		{ID: "b", Stop: 2, Event: true},
	})
	points := New(ds, 0.95).Curve()
	last := points[len(points)-1]
	if last.Survival != 0 {
		t.Errorf("survival after last event = %v, want 0", last.Survival)
	}
	if last.Variance != 0 || last.CILower != 0 || last.CIUpper != 0 {
		t.Errorf("degenerate point should report zero variance and CI: %+v", last)
	}
}

func TestCurve_Empty(t *testing.T) {
	ds := mustDataset(t, nil)
	if points := New(ds, 0.95).Curve(); points != nil {
		t.Errorf("expected nil curve for empty dataset, got %v", points)
	}
}
