package control

import (
	"sync"
	"time"

	"github.com/temoto/atomic_clock"
)

const DefaultThrottleInterval = 20 * time.Millisecond

// Throttle coalesces rapid throttle changes: at most one send per interval,
// intermediate values collapse and the latest value is always delivered.
type Throttle struct {
	interval time.Duration
	send     func(float32)
	last     atomic_clock.Clock

	mu      sync.Mutex
	pending float32
	timer   *time.Timer
	gen     uint64
	stopped bool
}

func NewThrottle(interval time.Duration, send func(float32)) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Throttle{interval: interval, send: send}
}

func (self *Throttle) Set(v float32) {
	self.mu.Lock()
	if self.stopped {
		self.mu.Unlock()
		return
	}
	if self.timer != nil {
		self.pending = v
		self.mu.Unlock()
		return
	}
	since := self.interval
	if !self.last.IsZero() {
		since = atomic_clock.Since(&self.last)
	}
	if since >= self.interval {
		self.last.SetNow()
		self.mu.Unlock()
		self.send(v)
		return
	}
	self.pending = v
	self.gen++
	gen := self.gen
	self.timer = time.AfterFunc(self.interval-since, func() { self.fire(gen) })
	self.mu.Unlock()
}

func (self *Throttle) fire(gen uint64) {
	self.mu.Lock()
	if self.timer == nil || self.gen != gen || self.stopped {
		self.mu.Unlock()
		return
	}
	v := self.pending
	self.timer = nil
	self.last.SetNow()
	self.mu.Unlock()
	self.send(v)
}

// Flush sends pending value now.
func (self *Throttle) Flush() {
	self.mu.Lock()
	if self.timer == nil || !self.timer.Stop() {
		self.mu.Unlock()
		return
	}
	v := self.pending
	self.timer = nil
	self.gen++
	self.last.SetNow()
	self.mu.Unlock()
	self.send(v)
}

// Cancel drops pending value.
func (self *Throttle) Cancel() {
	self.mu.Lock()
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
		self.gen++
	}
	self.mu.Unlock()
}

func (self *Throttle) Pending() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.timer != nil
}

// Stop is final, later Set calls are ignored.
func (self *Throttle) Stop() {
	self.Cancel()
	self.mu.Lock()
	self.stopped = true
	self.mu.Unlock()
}
