// Package typing keeps platform typing indicators alive while a reply is
// being produced. Platforms expire the indicator after a few seconds, so it
// has to be re-sent on a keepalive cadence until the reply goes out.
package typing

import (
	"sync"
	"time"
)

const (
	defaultKeepalive   = 5 * time.Second
	defaultMaxDuration = 2 * time.Minute
)

// Options configures a Controller.
type Options struct {
	// MaxDuration caps how long the indicator stays alive without Stop.
	MaxDuration time.Duration
	// KeepaliveInterval is the refresh cadence for StartFn.
	KeepaliveInterval time.Duration
	// StartFn shows the indicator once. An error ends the keepalive loop.
	StartFn func() error
}

// Controller drives one typing indicator: StartFn fires immediately on Start
// and again on every keepalive tick until Stop is called or MaxDuration
// elapses. A controller is single-use; create a new one per message.
type Controller struct {
	opts Options

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
}

// New creates a controller. Zero options fall back to defaults.
func New(opts Options) *Controller {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepalive
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = defaultMaxDuration
	}
	return &Controller{opts: opts, stop: make(chan struct{})}
}

// Start launches the keepalive loop in the background.
func (c *Controller) Start() {
	if c.opts.StartFn == nil {
		return
	}
	c.startOnce.Do(func() { go c.loop() })
}

// Stop ends the keepalive loop. Idempotent and safe from any goroutine.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Controller) loop() {
	if err := c.opts.StartFn(); err != nil {
		return
	}

	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.opts.MaxDuration)
	defer deadline.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			if err := c.opts.StartFn(); err != nil {
				return
			}
		}
	}
}
