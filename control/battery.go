package control

import (
	"sync"

	"github.com/temoto/escmeter/protocol"
)

// BatteryWatcher turns stream of battery readings from both data and
// battery channels into transitions. Initial state is NORMAL.
type BatteryWatcher struct {
	mu           sync.Mutex
	state        protocol.BatteryState
	last         protocol.BatteryStatus
	onTransition func(from, to protocol.BatteryState, status protocol.BatteryStatus)
}

func NewBatteryWatcher(fn func(from, to protocol.BatteryState, status protocol.BatteryStatus)) *BatteryWatcher {
	return &BatteryWatcher{state: protocol.BatteryNormal, onTransition: fn}
}

// Observe returns true and fires transition callback only when state changed.
// Callback runs outside of lock.
func (self *BatteryWatcher) Observe(s protocol.BatteryStatus) (prev protocol.BatteryState, changed bool) {
	self.mu.Lock()
	prev = self.state
	self.last = s
	changed = s.State != prev
	self.state = s.State
	fn := self.onTransition
	self.mu.Unlock()
	if changed && fn != nil {
		fn(prev, s.State, s)
	}
	return prev, changed
}

func (self *BatteryWatcher) State() protocol.BatteryState {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

func (self *BatteryWatcher) Last() protocol.BatteryStatus {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.last
}

// Reset to NORMAL without callback, on new connection.
func (self *BatteryWatcher) Reset() {
	self.mu.Lock()
	self.state = protocol.BatteryNormal
	self.last = protocol.BatteryStatus{}
	self.mu.Unlock()
}
