// Package clock provides the scheduled-task abstraction used by every timer in tether.
//
// Components never call time.AfterFunc or time.NewTicker directly. They arm tasks
// through a Clock and keep the returned Timer so the task can be cancelled or
// re-armed. Production code uses Real(), which is backed by clockwork; tests
// drive a Fake forward explicitly:
//
//	fc := clock.NewFake(time.Unix(0, 0))
//	fc.AfterFunc(time.Second, func() { fmt.Println("fired") })
//	fc.Advance(time.Second) // prints "fired" before returning
package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is a source of time and a scheduler of one-shot tasks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc arms f to run once after d. The returned Timer cancels it.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a scheduled task.
type Timer interface {
	// Stop cancels the task. It returns false if the task already fired
	// or was already stopped.
	Stop() bool
}

// Real returns the wall clock.
func Real() Clock {
	return FromClockwork(clockwork.NewRealClock())
}

// FromClockwork adapts a clockwork clock, real or fake.
func FromClockwork(c clockwork.Clock) Clock {
	return clockworkClock{c}
}

type clockworkClock struct {
	c clockwork.Clock
}

func (w clockworkClock) Now() time.Time { return w.c.Now() }

func (w clockworkClock) AfterFunc(d time.Duration, f func()) Timer {
	return w.c.AfterFunc(d, f)
}

// Every runs f every interval until the returned stop function is called.
// The next run is armed only after the previous one returns, so runs never overlap.
func Every(c Clock, interval time.Duration, f func()) (stop func()) {
	var (
		mu      sync.Mutex
		timer   Timer
		stopped bool
	)

	var arm func()
	arm = func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		timer = c.AfterFunc(interval, func() {
			mu.Lock()
			done := stopped
			mu.Unlock()
			if done {
				return
			}
			f()
			arm()
		})
	}
	arm()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		if timer != nil {
			timer.Stop()
		}
	}
}
