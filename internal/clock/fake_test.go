package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresOnce(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	fired := 0
	fc.AfterFunc(time.Second, func() { fired++ })

	fc.Advance(999 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired early")
	}
	fc.Advance(time.Millisecond)
	fc.Advance(5 * time.Second)
	if fired != 1 {
		t.Fatalf("expected 1 fire, got %d", fired)
	}
	if fc.Pending() != 0 {
		t.Fatalf("expected no pending timers")
	}
}

func TestFakeEveryAndStop(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	ticks := 0
	var timer Timer
	timer = fc.Every(2*time.Second, func() {
		ticks++
		if ticks == 3 {
			timer.Stop()
		}
	})
	fc.Advance(20 * time.Second)
	if ticks != 3 {
		t.Fatalf("expected 3 ticks, got %d", ticks)
	}
	if timer.Stop() {
		t.Fatalf("second stop should report false")
	}
}

func TestFakeOrdersByDueTime(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	var order []string
	fc.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	fc.AfterFunc(time.Second, func() {
		order = append(order, "a")
		fc.AfterFunc(500*time.Millisecond, func() { order = append(order, "a2") })
	})
	fc.Advance(3 * time.Second)
	want := []string{"a", "a2", "b"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order %v", order)
		}
	}
}
