package clock

import (
	"testing"
	"time"
)

func TestFake_FiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var order []int
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	c.AfterFunc(time.Second, func() { order = append(order, 1) })
	c.AfterFunc(5*time.Second, func() { order = append(order, 5) })

	c.Advance(3 * time.Second)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
	if got := c.Now(); !got.Equal(time.Unix(3, 0)) {
		t.Errorf("Now() = %v, want %v", got, time.Unix(3, 0))
	}
}

func TestFake_StopPreventsFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Fatal("Stop() = false on pending timer")
	}
	if tm.Stop() {
		t.Error("second Stop() = true, want false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFake_CallbackSchedulesWithinWindow(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(3500 * time.Millisecond)

	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestFake_ZeroDelayFiresOnZeroAdvance(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	c.AfterFunc(0, func() { fired = true })
	c.Advance(0)
	if !fired {
		t.Error("zero-delay timer did not fire on Advance(0)")
	}
}
