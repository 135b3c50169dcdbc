package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_TickerFires(t *testing.T) {
	tk := RealClock{}.NewTicker(5 * time.Millisecond)
	defer tk.Stop()

	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}

func TestMockClock_AfterReleasesOnAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	ch := c.After(3 * time.Second)

	c.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("released early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if want := start.Add(3 * time.Second); !got.Equal(want) {
			t.Errorf("After delivered %v, want %v", got, want)
		}
	default:
		t.Fatal("not released at deadline")
	}
}

func TestMockClock_AfterZeroIsImmediate(t *testing.T) {
	c := NewMockClock(time.Unix(100, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should be ready")
	}
}

func TestMockClock_TickerPeriod(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)

	c.Advance(500 * time.Millisecond)
	if len(tk.C()) != 0 {
		t.Fatal("ticked before one period")
	}
	c.Advance(500 * time.Millisecond)
	if len(tk.C()) != 1 {
		t.Fatal("no tick after one period")
	}

	// unread ticks are dropped rather than queued
	c.Advance(time.Second)
	if len(tk.C()) != 1 {
		t.Fatalf("buffered %d ticks, want 1", len(tk.C()))
	}
	<-tk.C()

	tk.Stop()
	c.Advance(time.Second)
	if len(tk.C()) != 0 {
		t.Fatal("stopped ticker fired")
	}
	if c.Tickers() != 1 {
		t.Errorf("Tickers() = %d", c.Tickers())
	}
}

func TestMockClock_SetAndSince(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	mark := c.Now()
	c.Set(time.Unix(90, 0))
	if d := c.Since(mark); d != 90*time.Second {
		t.Errorf("Since = %v", d)
	}
}

func TestMockTicker_Trigger(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	tk := c.NewTicker(time.Hour).(*MockTicker)
	tk.Trigger(c.Now())
	tk.Trigger(c.Now())
	if len(tk.C()) != 1 {
		t.Fatalf("Trigger buffered %d ticks", len(tk.C()))
	}
}
