package timeutil

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	got := c.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v outside [%v, %v]", got, before, after)
	}
}

func TestMockClockAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	c.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if got := c.Now(); !got.Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestMockClockSleepAdvancesTime(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	c.Sleep(10 * time.Millisecond)
	c.Sleep(5 * time.Millisecond)

	sleeps := c.Sleeps()
	if len(sleeps) != 2 {
		t.Fatalf("recorded %d sleeps, want 2", len(sleeps))
	}
	if sleeps[0] != 10*time.Millisecond || sleeps[1] != 5*time.Millisecond {
		t.Errorf("sleeps = %v", sleeps)
	}
	want := start.Add(15 * time.Millisecond)
	if got := c.Now(); !got.Equal(want) {
		t.Errorf("Now() after sleeps = %v, want %v", got, want)
	}
}

func TestMockTickerFiresOnAdvance(t *testing.T) {
	c := NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	ticker := c.NewTicker(time.Second)

	select {
	case <-ticker.C():
		t.Fatal("ticker fired before interval elapsed")
	default:
	}

	c.Advance(time.Second)

	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire after Advance past interval")
	}
}

func TestMockTickerStop(t *testing.T) {
	c := NewMockClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	ticker := c.NewTicker(time.Second)
	ticker.Stop()

	c.Advance(5 * time.Second)

	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
