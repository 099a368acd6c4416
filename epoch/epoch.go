// Package epoch keeps the current epoch of the service and decides which
// epochs still accept submissions.
package epoch

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.dedis.ch/hdlt"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Clock is the epoch clock. Epochs only move forward, one at a time.
type Clock struct {
	mu      sync.RWMutex
	current hdlt.Epoch
	window  hdlt.Epoch
}

// NewClock returns a clock at epoch start, accepting submissions for the
// current epoch and the window epochs before it.
func NewClock(start hdlt.Epoch, window int) (*Clock, error) {
	if window < 0 {
		return nil, xerrors.Errorf("negative window %d", window)
	}
	if start < 0 {
		return nil, xerrors.Errorf("negative start epoch %d", start)
	}
	return &Clock{current: start, window: hdlt.Epoch(window)}, nil
}

// Current returns the current epoch.
func (c *Clock) Current() hdlt.Epoch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Window returns how many past epochs are still accepted.
func (c *Clock) Window() hdlt.Epoch {
	return c.window
}

// Advance moves to the next epoch and returns it.
func (c *Clock) Advance() hdlt.Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	return c.current
}

// IsAcceptable returns true if current-window <= e <= current.
func (c *Clock) IsAcceptable(e hdlt.Epoch) bool {
	cur := c.Current()
	return e <= cur && e >= cur-c.window
}

// Oldest returns the oldest acceptable epoch. It can be negative right after
// the start.
func (c *Clock) Oldest() hdlt.Epoch {
	return c.Current() - c.window
}

// Ticker calls a function every interval. It is how epochs advance without
// an operator.
type Ticker struct {
	clk      clock.Clock
	interval time.Duration
	fn       func()

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTicker returns a stopped ticker. Tests pass a clock.Mock as clk.
func NewTicker(clk clock.Clock, interval time.Duration, fn func()) *Ticker {
	return &Ticker{
		clk:      clk,
		interval: interval,
		fn:       fn,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts calling the function in the background. A ticker can only be
// started once.
func (t *Ticker) Start() {
	tick := t.clk.Ticker(t.interval)
	go func() {
		defer close(t.done)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				log.Lvl3("epoch tick")
				t.fn()
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop stops the ticker and waits for a running call to return.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		<-t.done
	})
}
