package platformtest

import (
	"testing"
	"time"
)

func TestClock_AdvanceFiresDueTimersInOrder(t *testing.T) {
	c := NewClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(5*time.Second, func() { order = append(order, "late") })

	c.Advance(3 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v, want [a b]", order)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", c.Pending())
	}
}

func TestClock_StopPreventsFire(t *testing.T) {
	c := NewClock(time.Now())
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop should return true for an armed timer")
	}
	if tm.Stop() {
		t.Error("second Stop should return false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestClock_CallbackCanRearm(t *testing.T) {
	c := NewClock(time.Now())
	var ticks int
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)
	c.Advance(3500 * time.Millisecond)
	if ticks != 3 {
		t.Errorf("ticks = %d, want 3", ticks)
	}
}
