package cursor

import (
	"strconv"
	"testing"
	"time"
)

func TestCurrentStableWithinInterval(t *testing.T) {
	e := New(DefaultEpoch, 20*time.Second)
	a := e.Current()
	b := e.Current()
	if a != b {
		t.Errorf("Current() not stable within an interval: %q vs %q", a, b)
	}
}

func TestAdvanceNoPreviousReturnsCurrent(t *testing.T) {
	e := New(DefaultEpoch, 20*time.Second)
	if got := e.Advance(""); got != e.Current() {
		t.Errorf("Advance(\"\") = %q, want current %q", got, e.Current())
	}
}

func TestAdvanceBehindCurrentReturnsCurrent(t *testing.T) {
	e := New(DefaultEpoch, 20*time.Second)
	current, _ := strconv.ParseInt(e.Current(), 10, 64)
	behind := strconv.FormatInt(current-100, 10)

	if got := e.Advance(behind); got != strconv.FormatInt(current, 10) {
		t.Errorf("Advance(behind) = %q, want current %d", got, current)
	}
}

func TestAdvanceGarbagePreviousReturnsCurrent(t *testing.T) {
	e := New(DefaultEpoch, 20*time.Second)
	if got := e.Advance("not-a-number"); got != e.Current() {
		t.Errorf("Advance(garbage) = %q, want current %q", got, e.Current())
	}
}

func TestAdvanceOnCollisionStrictlyAdvances(t *testing.T) {
	e := New(DefaultEpoch, 20*time.Second)
	current := e.Current()

	for i := 0; i < 20; i++ {
		got := e.Advance(current)
		gotN, err := strconv.ParseInt(got, 10, 64)
		if err != nil {
			t.Fatalf("Advance returned non-numeric cursor %q", got)
		}
		curN, _ := strconv.ParseInt(current, 10, 64)
		if gotN <= curN {
			t.Errorf("Advance on collision must strictly increase: got %d, previous %d", gotN, curN)
		}
	}
}

func TestAdvanceAheadOfCurrentAlsoAdvances(t *testing.T) {
	e := New(DefaultEpoch, 20*time.Second)
	current, _ := strconv.ParseInt(e.Current(), 10, 64)
	ahead := strconv.FormatInt(current+5, 10)

	got := e.Advance(ahead)
	gotN, err := strconv.ParseInt(got, 10, 64)
	if err != nil {
		t.Fatalf("Advance returned non-numeric cursor %q", got)
	}
	if gotN <= current+5 {
		t.Errorf("Advance on ahead-of-current collision must strictly increase past %d, got %d", current+5, gotN)
	}
}

func TestDefaultsAppliedForZeroConfig(t *testing.T) {
	e := New(time.Time{}, 0)
	if e.epoch != DefaultEpoch {
		t.Errorf("epoch = %v, want default %v", e.epoch, DefaultEpoch)
	}
	if e.interval != DefaultInterval {
		t.Errorf("interval = %v, want default %v", e.interval, DefaultInterval)
	}
}

func TestCeilDiv(t *testing.T) {
	cases := []struct{ a, b, want int64 }{
		{1, 20, 1},
		{20, 20, 1},
		{21, 20, 2},
		{3600, 20, 180},
		{1, 1, 1},
	}
	for _, tc := range cases {
		if got := ceilDiv(tc.a, tc.b); got != tc.want {
			t.Errorf("ceilDiv(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
