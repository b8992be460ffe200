package dav

import (
	"testing"
	"time"

	"gitea.jw6.us/james/calserve/internal/backend"
)

func at(hour, min int) time.Time {
	return time.Date(2024, 3, 1, hour, min, 0, 0, time.UTC)
}

func TestMergePeriodsCoalescesOverlaps(t *testing.T) {
	merged := mergePeriods([]backend.Period{
		{Start: at(9, 0), End: at(10, 0), Type: backend.PeriodBusy},
		{Start: at(9, 30), End: at(11, 0), Type: backend.PeriodBusy},
	})
	if len(merged) != 1 {
		t.Fatalf("expected one merged period, got %+v", merged)
	}
	if !merged[0].Start.Equal(at(9, 0)) || !merged[0].End.Equal(at(11, 0)) {
		t.Fatalf("wrong bounds: %+v", merged[0])
	}
}

func TestMergePeriodsFusesTouchingSameType(t *testing.T) {
	merged := mergePeriods([]backend.Period{
		{Start: at(9, 0), End: at(10, 0), Type: backend.PeriodBusy},
		{Start: at(10, 0), End: at(11, 0), Type: backend.PeriodBusy},
	})
	if len(merged) != 1 {
		t.Fatalf("touching same-type periods must fuse, got %+v", merged)
	}
}

func TestMergePeriodsMoreConstrainedTypeWins(t *testing.T) {
	merged := mergePeriods([]backend.Period{
		{Start: at(9, 0), End: at(12, 0), Type: backend.PeriodBusy},
		{Start: at(10, 0), End: at(11, 0), Type: backend.PeriodBusyUnavailable},
	})
	want := []backend.Period{
		{Start: at(9, 0), End: at(10, 0), Type: backend.PeriodBusy},
		{Start: at(10, 0), End: at(11, 0), Type: backend.PeriodBusyUnavailable},
		{Start: at(11, 0), End: at(12, 0), Type: backend.PeriodBusy},
	}
	if len(merged) != len(want) {
		t.Fatalf("expected %d segments, got %+v", len(want), merged)
	}
	for i := range want {
		if !merged[i].Start.Equal(want[i].Start) || !merged[i].End.Equal(want[i].End) || merged[i].Type != want[i].Type {
			t.Fatalf("segment %d = %+v, want %+v", i, merged[i], want[i])
		}
	}
}

func TestMergePeriodsDropsEmptyAndDisjointStay(t *testing.T) {
	merged := mergePeriods([]backend.Period{
		{Start: at(9, 0), End: at(9, 0), Type: backend.PeriodBusy}, // empty
		{Start: at(10, 0), End: at(10, 30), Type: backend.PeriodBusy},
		{Start: at(12, 0), End: at(12, 30), Type: backend.PeriodBusy},
	})
	if len(merged) != 2 {
		t.Fatalf("expected two disjoint periods, got %+v", merged)
	}
}

func TestMergePeriodsEmpty(t *testing.T) {
	if got := mergePeriods(nil); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestComplementFreePeriods(t *testing.T) {
	rng := backend.TimeRange{Start: at(9, 0), End: at(21, 0)}
	free := []backend.Period{
		{Start: at(13, 0), End: at(16, 0), Type: backend.PeriodFree},
		{Start: at(17, 0), End: at(21, 0), Type: backend.PeriodFree},
	}
	busy := ComplementFreePeriods(rng, free)
	want := []backend.Period{
		{Start: at(9, 0), End: at(13, 0)},
		{Start: at(16, 0), End: at(17, 0)},
	}
	if len(busy) != len(want) {
		t.Fatalf("expected %d busy periods, got %+v", len(want), busy)
	}
	for i := range want {
		if !busy[i].Start.Equal(want[i].Start) || !busy[i].End.Equal(want[i].End) {
			t.Fatalf("busy[%d] = %+v, want %+v", i, busy[i], want[i])
		}
		if busy[i].Type != backend.PeriodBusy {
			t.Fatalf("busy[%d] has type %v", i, busy[i].Type)
		}
	}
}

func TestComplementFreePeriodsFullyFree(t *testing.T) {
	rng := backend.TimeRange{Start: at(9, 0), End: at(10, 0)}
	busy := ComplementFreePeriods(rng, []backend.Period{{Start: at(9, 0), End: at(10, 0), Type: backend.PeriodFree}})
	if len(busy) != 0 {
		t.Fatalf("expected no busy periods, got %+v", busy)
	}
}

func TestComplementFreePeriodsNoFreeTime(t *testing.T) {
	rng := backend.TimeRange{Start: at(9, 0), End: at(10, 0)}
	busy := ComplementFreePeriods(rng, nil)
	if len(busy) != 1 || !busy[0].Start.Equal(rng.Start) || !busy[0].End.Equal(rng.End) {
		t.Fatalf("expected the whole range busy, got %+v", busy)
	}
}

func TestComplementFreePeriodsTrailingGap(t *testing.T) {
	rng := backend.TimeRange{Start: at(8, 0), End: at(18, 0)}
	busy := ComplementFreePeriods(rng, []backend.Period{
		{Start: at(8, 0), End: at(12, 0), Type: backend.PeriodFree},
	})
	if len(busy) != 1 || !busy[0].Start.Equal(at(12, 0)) || !busy[0].End.Equal(at(18, 0)) {
		t.Fatalf("expected the tail of the range busy, got %+v", busy)
	}
}
