package typing

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestControllerKeepalive(t *testing.T) {
	var calls atomic.Int64
	c := New(Options{
		KeepaliveInterval: 10 * time.Millisecond,
		MaxDuration:       time.Second,
		StartFn: func() error {
			calls.Add(1)
			return nil
		},
	})
	c.Start()

	waitFor(t, "at least 3 keepalives", func() bool { return calls.Load() >= 3 })

	c.Stop()
	stopped := calls.Load()
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != stopped {
		t.Errorf("keepalive continued after Stop: %d -> %d", stopped, calls.Load())
	}
}

func TestControllerMaxDuration(t *testing.T) {
	var calls atomic.Int64
	c := New(Options{
		KeepaliveInterval: 5 * time.Millisecond,
		MaxDuration:       30 * time.Millisecond,
		StartFn: func() error {
			calls.Add(1)
			return nil
		},
	})
	c.Start()

	waitFor(t, "the max-duration cutoff", func() bool {
		n := calls.Load()
		time.Sleep(25 * time.Millisecond)
		return calls.Load() == n && n > 0
	})
}

func TestControllerStopsOnError(t *testing.T) {
	var calls atomic.Int64
	c := New(Options{
		KeepaliveInterval: 5 * time.Millisecond,
		MaxDuration:       time.Second,
		StartFn: func() error {
			if calls.Add(1) >= 2 {
				return errors.New("gone")
			}
			return nil
		},
	})
	c.Start()

	waitFor(t, "the loop to hit the error", func() bool { return calls.Load() == 2 })
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Errorf("loop kept running after error: %d calls", got)
	}
}

func TestControllerStopIdempotent(t *testing.T) {
	c := New(Options{StartFn: func() error { return nil }})
	c.Start()
	c.Stop()
	c.Stop()
}

func TestControllerNilStartFn(t *testing.T) {
	c := New(Options{})
	c.Start()
	c.Stop()
}
