package link

// Public API to easy create link stubs to test your code.
import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
)

var ErrMockClosed = errors.New("mock connection closed")

// MockTransport is in-memory Transport. Zero Device gets default test identity.
type MockTransport struct {
	mu        sync.Mutex
	device    Device
	selectErr error
	openErrs  []error
	missing   map[Channel]bool
	writeErrs map[Channel]error
	openHook  func(context.Context) error
	conns     []*MockConn
	opens     int
	releases  int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		device:    Device{Id: "AA:BB:CC:DD:EE:FF", Name: "RC Power Meter 1", Address: "AA:BB:CC:DD:EE:FF"},
		missing:   make(map[Channel]bool),
		writeErrs: make(map[Channel]error),
	}
}

func (self *MockTransport) SetDevice(d Device) {
	self.mu.Lock()
	self.device = d
	self.mu.Unlock()
}

func (self *MockTransport) SetSelectError(err error) {
	self.mu.Lock()
	self.selectErr = err
	self.mu.Unlock()
}

// FailOpen queues errors returned by next Open calls in order.
func (self *MockTransport) FailOpen(errs ...error) {
	self.mu.Lock()
	self.openErrs = append(self.openErrs, errs...)
	self.mu.Unlock()
}

// SetMissing makes next opened connections lack channels.
func (self *MockTransport) SetMissing(chs ...Channel) {
	self.mu.Lock()
	for _, ch := range chs {
		self.missing[ch] = true
	}
	self.mu.Unlock()
}

// SetWriteError makes channel writes fail on next opened connections, nil err clears.
func (self *MockTransport) SetWriteError(ch Channel, err error) {
	self.mu.Lock()
	if err == nil {
		delete(self.writeErrs, ch)
	} else {
		self.writeErrs[ch] = err
	}
	self.mu.Unlock()
}

// SetOpenHook is called at start of Open, error is returned as Open error.
func (self *MockTransport) SetOpenHook(fn func(context.Context) error) {
	self.mu.Lock()
	self.openHook = fn
	self.mu.Unlock()
}

func (self *MockTransport) Counts() (opens, releases int) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.opens, self.releases
}

// Conn returns last opened connection or nil.
func (self *MockTransport) Conn() *MockConn {
	self.mu.Lock()
	defer self.mu.Unlock()
	if len(self.conns) == 0 {
		return nil
	}
	return self.conns[len(self.conns)-1]
}

func (self *MockTransport) Select(ctx context.Context) (Device, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.selectErr != nil {
		return Device{}, self.selectErr
	}
	return self.device, ctx.Err()
}

func (self *MockTransport) Open(ctx context.Context, dev Device) (Conn, error) {
	self.mu.Lock()
	self.opens++
	hook := self.openHook
	self.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	self.mu.Lock()
	defer self.mu.Unlock()
	if len(self.openErrs) > 0 {
		err := self.openErrs[0]
		self.openErrs = self.openErrs[1:]
		return nil, err
	}
	c := &MockConn{
		device:     dev,
		chars:      make(map[Channel]*MockCharacteristic, channelCount),
		disconnect: make(map[int]func()),
	}
	for ch := Channel(0); ch < channelCount; ch++ {
		if !self.missing[ch] {
			c.chars[ch] = &MockCharacteristic{ch: ch, conn: c, writeErr: self.writeErrs[ch], listeners: make(map[int]func([]byte))}
		}
	}
	self.conns = append(self.conns, c)
	return c, nil
}

func (self *MockTransport) Release(ctx context.Context, dev Device) error {
	self.mu.Lock()
	self.releases++
	self.mu.Unlock()
	return nil
}

type MockConn struct {
	mu         sync.Mutex
	device     Device
	chars      map[Channel]*MockCharacteristic
	disconnect map[int]func()
	nextId     int
	closed     bool
	closeHook  func(*MockConn)
}

func (self *MockConn) Characteristic(ctx context.Context, ch Channel) (Characteristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if c, ok := self.chars[ch]; ok {
		return c, nil
	}
	return nil, errors.NotFoundf("characteristic uuid=%s", ch.UUID())
}

// Char returns mock characteristic for direct Notify and write inspection.
func (self *MockConn) Char(ch Channel) *MockCharacteristic {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.chars[ch]
}

func (self *MockConn) OnDisconnect(fn func()) Subscription {
	self.mu.Lock()
	defer self.mu.Unlock()
	id := self.nextId
	self.nextId++
	self.disconnect[id] = fn
	return SubscriptionFunc(func() error {
		self.mu.Lock()
		delete(self.disconnect, id)
		self.mu.Unlock()
		return nil
	})
}

func (self *MockConn) DisconnectListeners() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.disconnect)
}

// SetCloseHook fn runs inside Close before connection is marked closed.
func (self *MockConn) SetCloseHook(fn func(*MockConn)) {
	self.mu.Lock()
	self.closeHook = fn
	self.mu.Unlock()
}

// Close fires remaining disconnect listeners, like BLE stacks do on local disconnect.
func (self *MockConn) Close() error {
	self.mu.Lock()
	hook := self.closeHook
	self.mu.Unlock()
	if hook != nil {
		hook(self)
	}
	self.mu.Lock()
	if self.closed {
		self.mu.Unlock()
		return ErrMockClosed
	}
	self.closed = true
	self.mu.Unlock()
	self.fireDisconnect()
	return nil
}

func (self *MockConn) Closed() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.closed
}

// Drop simulates peer initiated disconnect.
func (self *MockConn) Drop() {
	self.mu.Lock()
	self.closed = true
	self.mu.Unlock()
	self.fireDisconnect()
}

func (self *MockConn) fireDisconnect() {
	self.mu.Lock()
	fns := make([]func(), 0, len(self.disconnect))
	for _, fn := range self.disconnect {
		fns = append(fns, fn)
	}
	self.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type MockCharacteristic struct {
	mu         sync.Mutex
	ch         Channel
	conn       *MockConn
	writes     [][]byte
	writeErr   error
	afterClose int
	listeners  map[int]func([]byte)
	nextId     int
}

func (self *MockCharacteristic) Write(ctx context.Context, b []byte) error {
	if self.conn.Closed() {
		self.mu.Lock()
		self.afterClose++
		self.mu.Unlock()
		return ErrMockClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.writeErr != nil {
		return self.writeErr
	}
	self.writes = append(self.writes, append([]byte(nil), b...))
	return nil
}

func (self *MockCharacteristic) Subscribe(ctx context.Context, fn func([]byte)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	id := self.nextId
	self.nextId++
	self.listeners[id] = fn
	return SubscriptionFunc(func() error {
		self.mu.Lock()
		delete(self.listeners, id)
		self.mu.Unlock()
		return nil
	}), nil
}

// Notify delivers b to every listener synchronously.
func (self *MockCharacteristic) Notify(b []byte) {
	self.mu.Lock()
	fns := make([]func([]byte), 0, len(self.listeners))
	for _, fn := range self.listeners {
		fns = append(fns, fn)
	}
	self.mu.Unlock()
	for _, fn := range fns {
		fn(b)
	}
}

func (self *MockCharacteristic) SetWriteError(err error) {
	self.mu.Lock()
	self.writeErr = err
	self.mu.Unlock()
}

func (self *MockCharacteristic) Writes() [][]byte {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([][]byte(nil), self.writes...)
}

func (self *MockCharacteristic) WritesAfterClose() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.afterClose
}

func (self *MockCharacteristic) Listeners() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.listeners)
}

// ManualTicker fires only when test says so.
type ManualTicker struct {
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
}

func (self *ManualTicker) C() <-chan time.Time { return self.ch }
func (self *ManualTicker) Stop()               { self.once.Do(func() { close(self.stopped) }) }

// Tick returns true if receiver took the tick within timeout.
func (self *ManualTicker) Tick(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case self.ch <- time.Now():
		return true
	case <-self.stopped:
		return false
	case <-t.C:
		return false
	}
}
