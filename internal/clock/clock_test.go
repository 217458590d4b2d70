package clock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))

	var order []string
	fc.AfterFunc(300*time.Millisecond, func() { order = append(order, "c") })
	fc.AfterFunc(100*time.Millisecond, func() { order = append(order, "a") })
	fc.AfterFunc(200*time.Millisecond, func() { order = append(order, "b") })

	fc.Advance(250 * time.Millisecond)
	if got := len(order); got != 2 {
		t.Fatalf("fired %d tasks, want 2", got)
	}

	fc.Advance(50 * time.Millisecond)
	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestFake_StopCancels(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))

	fired := false
	timer := fc.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop() = false on armed timer")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}

	fc.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFake_NowDuringCallback(t *testing.T) {
	start := time.Unix(0, 0)
	fc := NewFake(start)

	var seen time.Time
	fc.AfterFunc(time.Second, func() { seen = fc.Now() })
	fc.Advance(5 * time.Second)

	if want := start.Add(time.Second); !seen.Equal(want) {
		t.Errorf("Now() inside callback = %v, want %v", seen, want)
	}
	if want := start.Add(5 * time.Second); !fc.Now().Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", fc.Now(), want)
	}
}

func TestEvery(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))

	runs := 0
	stop := Every(fc, 10*time.Second, func() { runs++ })

	fc.Advance(35 * time.Second)
	if runs != 3 {
		t.Errorf("runs = %d, want 3", runs)
	}

	stop()
	fc.Advance(time.Minute)
	if runs != 3 {
		t.Errorf("runs after stop = %d, want 3", runs)
	}
	if fc.Pending() != 0 {
		t.Errorf("Pending() = %d after stop, want 0", fc.Pending())
	}
}

func TestFromClockwork_Fake(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := clockwork.NewFakeClockAt(start)
	c := FromClockwork(fc)

	if !c.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", c.Now(), start)
	}

	fired := make(chan struct{})
	c.AfterFunc(time.Second, func() { close(fired) })
	stopped := c.AfterFunc(time.Second, func() { t.Error("stopped task fired") })
	if !stopped.Stop() {
		t.Error("Stop() on an armed task = false")
	}

	fc.Advance(time.Second)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire after Advance")
	}
}

func TestReal_AfterFunc(t *testing.T) {
	fired := make(chan struct{})
	Real().AfterFunc(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("real timer did not fire")
	}
}
