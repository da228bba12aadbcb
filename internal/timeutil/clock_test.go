package timeutil

import (
	"testing"
	"time"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	fc := NewFakeClock(start)

	if got := fc.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	fc.Advance(1500 * time.Millisecond)
	want := start.Add(1500 * time.Millisecond)
	if got := fc.Now(); !got.Equal(want) {
		t.Errorf("Now() after advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfter(t *testing.T) {
	fc := NewFakeClock(time.Unix(0, 0))
	ch := fc.After(2 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before deadline")
	default:
	}

	fc.Advance(2 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at deadline")
	}
}

func TestFakeClockTicker(t *testing.T) {
	fc := NewFakeClock(time.Unix(0, 0))
	tk := fc.NewTicker(100 * time.Millisecond)
	defer tk.Stop()

	fc.Advance(100 * time.Millisecond)
	select {
	case <-tk.C():
	default:
		t.Fatal("ticker did not fire after one period")
	}

	// A stopped ticker must not fire again.
	tk.Stop()
	fc.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestRealClockBasics(t *testing.T) {
	c := NewRealClock()
	before := c.Now()
	if c.Since(before) < 0 {
		t.Error("Since returned negative duration")
	}
	tk := c.NewTicker(time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker did not tick")
	}
}
