// Package link owns connection to one power meter: connect with retry,
// channel discovery, notifications, keep-alive heartbeat and disconnect.
//
// State: Idle -> Connecting -> Connected -> Disconnecting -> Idle.
// Failed connect goes Connecting -> Error -> Idle.
// Transport drop goes Connected -> Disconnecting -> Idle asynchronously.
package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/escmeter/helpers"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/protocol"
)

const modName string = "link"

const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultConnectAttempts   = 3
	DefaultConnectBackoff    = 100 * time.Millisecond
	DefaultWriteTimeout      = 1 * time.Second
)

// Observers are invoked from transport notification goroutines.
// Battery fires for every reading from both battery channel and telemetry frames,
// transition detection is the consumer's job.
type Observers struct {
	Data            func(protocol.Telemetry)
	Battery         func(protocol.BatteryStatus)
	Connection      func(connected bool)
	SpecialResponse func(protocol.SpecialResponse)
}

type Options struct {
	HeartbeatInterval time.Duration
	ConnectAttempts   int
	ConnectBackoff    time.Duration
	WriteTimeout      time.Duration
	NewTicker         func(time.Duration) Ticker
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = DefaultConnectAttempts
	}
	if o.ConnectBackoff <= 0 {
		o.ConnectBackoff = DefaultConnectBackoff
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.NewTicker == nil {
		o.NewTicker = newTimeTicker
	}
}

type Link struct {
	Log *log2.Log

	transport Transport
	opt       Options
	stat      Stat

	mu      sync.Mutex
	state   State
	session *Session
	obs     Observers
}

// Session is one physical connection lifetime.
// Channel handles are owned by Link and touched only after liveness check.
type Session struct {
	Id     string
	Device Device

	caps             Capability
	conn             Conn
	chans            [channelCount]Characteristic
	subs             []Subscription
	lastHeartbeatAck atomic_clock.Clock
	lastConfig       *protocol.Config
	connecting       *alive.Alive // stopped to abort connect
	connectDone      chan struct{}
	heartbeat        *alive.Alive // nil until first config
	intentional      uint32
}

type SessionInfo struct {
	Id               string
	Device           Device
	State            State
	Capabilities     Capability
	LastHeartbeatAck time.Time
	LastConfig       *protocol.Config
	Heartbeat        bool
}

func New(log *log2.Log, transport Transport, opt Options) *Link {
	opt.setDefaults()
	return &Link{
		Log:       log,
		transport: transport,
		opt:       opt,
		state:     StateIdle,
	}
}

func (self *Link) SetObservers(obs Observers) {
	self.mu.Lock()
	self.obs = obs
	self.mu.Unlock()
}

func (self *Link) observers() Observers {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.obs
}

func (self *Link) State() State { return State(atomic.LoadUint32((*uint32)(&self.state))) }

func (self *Link) Stat() Stat { return self.stat.load() }

// Session returns snapshot of current session.
func (self *Link) Session() (SessionInfo, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	sess := self.session
	if sess == nil {
		return SessionInfo{State: self.state}, false
	}
	info := SessionInfo{
		Id:           sess.Id,
		Device:       sess.Device,
		State:        self.state,
		Capabilities: sess.caps,
		Heartbeat:    sess.heartbeat != nil && sess.heartbeat.IsRunning(),
	}
	if !sess.lastHeartbeatAck.IsZero() {
		info.LastHeartbeatAck = time.Now().Add(-atomic_clock.Since(&sess.lastHeartbeatAck))
	}
	if sess.lastConfig != nil {
		c := *sess.lastConfig
		info.LastConfig = &c
	}
	return info, true
}

// caller must hold self.mu
func (self *Link) setState(s State) {
	prev := self.State()
	atomic.StoreUint32((*uint32)(&self.state), uint32(s))
	if prev != s {
		self.Log.Infof("%s state %s -> %s", modName, prev, s)
	}
}

// Connect is allowed only from Idle. Disconnect during Connect aborts attempt
// with ErrAborted and Connection observer is not called.
func (self *Link) Connect(ctx context.Context) error {
	sess, err := self.begin()
	if err != nil {
		return err
	}
	defer close(sess.connectDone)
	ctx, cancel := helpers.AliveContext(ctx, sess.connecting)
	defer cancel()

	err = self.establish(ctx, sess)
	if err == nil {
		err = self.commit(sess)
	}
	if err != nil {
		if !sess.connecting.IsRunning() {
			self.Log.Debugf("%s connect aborted, cause=%v", modName, err)
			err = errors.Trace(ErrAborted)
		}
		inc(&self.stat.ConnectError)
		if terr := self.release(sess); terr != nil {
			self.Log.Debugf("%s connect cleanup err=%v", modName, terr)
		}
		self.mu.Lock()
		if self.session == sess {
			self.session = nil
			self.setState(StateError)
			self.setState(StateIdle)
		}
		self.mu.Unlock()
		return errors.Annotate(err, "connect")
	}

	self.Log.Infof("%s connected device=%s session=%s caps=%s", modName, sess.Device, sess.Id, sess.caps)
	if obs := self.observers(); obs.Connection != nil {
		obs.Connection(true)
	}
	return nil
}

func (self *Link) begin() (*Session, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.state != StateIdle {
		return nil, errors.Annotatef(ErrBusy, "connect state=%s", self.state)
	}
	sess := &Session{
		Id:          uuid.New().String(),
		connecting:  alive.NewAlive(),
		connectDone: make(chan struct{}),
	}
	self.session = sess
	self.setState(StateConnecting)
	return sess, nil
}

func (self *Link) commit(sess *Session) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.session != sess || !sess.connecting.IsRunning() {
		return errors.Trace(ErrAborted)
	}
	self.setState(StateConnected)
	inc(&self.stat.Connect)
	return nil
}

func (self *Link) establish(ctx context.Context, sess *Session) error {
	dev, err := self.transport.Select(ctx)
	if err != nil {
		return errors.Trace(&TransportError{Op: "select", Err: err})
	}
	self.mu.Lock()
	sess.Device = dev
	self.mu.Unlock()

	conn, err := self.open(ctx, dev)
	if err != nil {
		return err
	}
	sess.conn = conn
	sess.subs = append(sess.subs, conn.OnDisconnect(func() { self.onTransportDisconnect(sess) }))

	for _, ch := range mandatoryChannels {
		if !sess.connecting.IsRunning() {
			return errors.Trace(ErrAborted)
		}
		c, err := conn.Characteristic(ctx, ch)
		if err != nil {
			return errors.Annotate(errChannelMissing(ch, err), "discover")
		}
		sess.chans[ch] = c
	}

	// Older firmware lacks special command channels, link works without them.
	special := true
	for _, ch := range specialChannels {
		c, err := conn.Characteristic(ctx, ch)
		if err != nil {
			self.Log.Debugf("%s optional channel=%s err=%v", modName, ch, err)
			special = false
			break
		}
		sess.chans[ch] = c
	}
	if special {
		self.mu.Lock()
		sess.caps |= CapSpecialCommands
		self.mu.Unlock()
	} else {
		sess.chans[ChannelSpecialCommand] = nil
		sess.chans[ChannelSpecialResponse] = nil
		self.Log.Infof("%s special commands not supported by device firmware", modName)
	}

	notify := []struct {
		ch Channel
		fn func([]byte)
	}{
		{ChannelData, func(b []byte) { self.onData(sess, b) }},
		{ChannelBattery, func(b []byte) { self.onBattery(sess, b) }},
		{ChannelSpecialResponse, func(b []byte) { self.onSpecialResponse(sess, b) }},
	}
	for _, n := range notify {
		c := sess.chans[n.ch]
		if c == nil {
			continue
		}
		if !sess.connecting.IsRunning() {
			return errors.Trace(ErrAborted)
		}
		sub, err := c.Subscribe(ctx, n.fn)
		if err != nil {
			return errors.Trace(&TransportError{Op: "subscribe " + n.ch.String(), Err: err})
		}
		sess.subs = append(sess.subs, sub)
	}
	return nil
}

// open retries because transport may report stale "already connected" handle.
func (self *Link) open(ctx context.Context, dev Device) (Conn, error) {
	backoff := helpers.Backoff{
		Min: self.opt.ConnectBackoff,
		Max: self.opt.ConnectBackoff * 4,
		K:   2,
	}
	var err error
	for attempt := 1; attempt <= self.opt.ConnectAttempts; attempt++ {
		if serr := helpers.SleepCtx(ctx, backoff.DelayBefore()); serr != nil {
			err = serr
			break
		}
		var conn Conn
		conn, err = self.transport.Open(ctx, dev)
		if err == nil {
			return conn, nil
		}
		backoff.Failure()
		inc(&self.stat.ConnectRetry)
		self.Log.Infof("%s open device=%s attempt=%d/%d err=%v", modName, dev, attempt, self.opt.ConnectAttempts, err)
		if rerr := self.transport.Release(ctx, dev); rerr != nil {
			self.Log.Debugf("%s release device=%s err=%v", modName, dev, rerr)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Trace(&TransportError{Op: "open", Err: err})
}

// Disconnect is safe in any state. From Connecting it aborts attempt and
// waits until attempt cleanup is done, so Connect may follow at once;
// from Idle and Disconnecting it does nothing.
// Connection observer is not called for intentional disconnect.
func (self *Link) Disconnect(ctx context.Context) error {
	self.mu.Lock()
	sess := self.session
	switch self.state {
	case StateConnecting:
		atomic.StoreUint32(&sess.intentional, 1)
		sess.connecting.Stop()
		self.mu.Unlock()
		self.Log.Infof("%s disconnect while connecting, attempt aborted", modName)
		select {
		case <-sess.connectDone:
			return nil
		case <-ctx.Done():
			return errors.Annotate(ctx.Err(), "disconnect wait aborted connect")
		}
	case StateConnected:
		self.setState(StateDisconnecting)
		self.mu.Unlock()
	default:
		self.mu.Unlock()
		return nil
	}

	var errs []error
	// Heartbeat goes first and in-flight ping completes before teardown.
	if err := sess.stopHeartbeat(ctx); err != nil {
		errs = append(errs, errors.Annotate(err, "heartbeat stop"))
	}
	atomic.StoreUint32(&sess.intentional, 1)
	errs = append(errs, self.release(sess))
	atomic.StoreUint32(&sess.intentional, 0)

	self.mu.Lock()
	if self.session == sess {
		self.session = nil
	}
	self.setState(StateIdle)
	self.mu.Unlock()
	inc(&self.stat.Disconnect)
	self.Log.Infof("%s disconnected device=%s session=%s", modName, sess.Device, sess.Id)
	return errors.Annotate(helpers.FoldErrors(errs), "disconnect")
}

// release removes every listener, then closes transport.
func (self *Link) release(sess *Session) error {
	var errs []error
	for _, sub := range sess.subs {
		if err := sub.Cancel(); err != nil {
			errs = append(errs, errors.Annotate(err, "unsubscribe"))
		}
	}
	sess.subs = nil
	for i := range sess.chans {
		sess.chans[i] = nil
	}
	if sess.conn != nil {
		if err := sess.conn.Close(); err != nil {
			errs = append(errs, errors.Annotate(err, "close"))
		}
	}
	return helpers.FoldErrors(errs)
}

func (self *Link) onTransportDisconnect(sess *Session) {
	if atomic.LoadUint32(&sess.intentional) != 0 {
		self.Log.Debugf("%s transport disconnect, intentional", modName)
		return
	}
	self.mu.Lock()
	if self.session != sess {
		self.mu.Unlock()
		return
	}
	switch self.state {
	case StateConnecting:
		sess.connecting.Stop()
		self.mu.Unlock()
		self.Log.Infof("%s transport disconnect while connecting", modName)
		return
	case StateConnected:
		self.setState(StateDisconnecting)
		self.mu.Unlock()
	default:
		self.mu.Unlock()
		return
	}

	inc(&self.stat.Drop)
	self.Log.Errorf("%s device=%s disconnected unexpectedly", modName, sess.Device)
	if sess.heartbeat != nil {
		// no wait, may be called from heartbeat write
		sess.heartbeat.Stop()
	}
	if err := self.release(sess); err != nil {
		self.Log.Debugf("%s release after drop err=%v", modName, err)
	}
	self.mu.Lock()
	self.session = nil
	self.setState(StateIdle)
	self.mu.Unlock()

	if obs := self.observers(); obs.Connection != nil {
		obs.Connection(false)
	}
}

// live returns channel handle only if sess is current and connected.
func (self *Link) live(sess *Session, ch Channel) Characteristic {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.session != sess || self.state != StateConnected {
		return nil
	}
	return sess.chans[ch]
}

func (self *Link) current(sess *Session) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.session == sess
}

func (self *Link) connected(ch Channel) (*Session, Characteristic, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	sess := self.session
	if sess == nil || self.state != StateConnected {
		return nil, nil, errors.Annotatef(ErrNotConnected, "send %s state=%s", ch, self.state)
	}
	c := sess.chans[ch]
	if c == nil {
		return nil, nil, errors.Annotatef(ErrNotConnected, "send %s channel absent", ch)
	}
	return sess, c, nil
}

// SendConfig starts heartbeat after first success.
func (self *Link) SendConfig(ctx context.Context, c protocol.Config) error {
	sess, ch, err := self.connected(ChannelConfig)
	if err != nil {
		return err
	}
	b := protocol.EncodeConfig(c)
	if err := self.write(ctx, ChannelConfig, ch, b[:]); err != nil {
		return errors.Annotate(err, "send config")
	}
	self.Log.Debugf("%s config sent %+v", modName, c)

	self.mu.Lock()
	defer self.mu.Unlock()
	sess.lastConfig = &c
	if self.session == sess && self.state == StateConnected && sess.heartbeat == nil {
		self.startHeartbeat(sess)
	}
	return nil
}

func (self *Link) SendCommand(ctx context.Context, c protocol.Command) error {
	_, ch, err := self.connected(ChannelCommand)
	if err != nil {
		return err
	}
	b := protocol.EncodeCommand(c)
	if err := self.write(ctx, ChannelCommand, ch, b[:]); err != nil {
		return errors.Annotatef(err, "send command %s", c)
	}
	self.Log.Debugf("%s command sent %s", modName, c)
	return nil
}

// SendSpecialCommand fails with Unsupported without write when device lacks special channels.
func (self *Link) SendSpecialCommand(ctx context.Context, code protocol.SpecialCommand) error {
	self.mu.Lock()
	sess, state := self.session, self.state
	self.mu.Unlock()
	if sess == nil || state != StateConnected {
		return errors.Annotatef(ErrNotConnected, "send special=%s state=%s", code, state)
	}
	if !sess.caps.Has(CapSpecialCommands) {
		return errUnsupported("special commands")
	}
	if !code.Valid() {
		return errors.NotValidf("special command code=%d", code)
	}
	_, ch, err := self.connected(ChannelSpecialCommand)
	if err != nil {
		return err
	}
	b := protocol.EncodeSpecialCommand(code)
	if err := self.write(ctx, ChannelSpecialCommand, ch, b[:]); err != nil {
		return errors.Annotatef(err, "send special=%s", code)
	}
	self.Log.Debugf("%s special sent %s", modName, code)
	return nil
}

func (self *Link) write(ctx context.Context, ch Channel, c Characteristic, b []byte) error {
	ctx, cancel := context.WithTimeout(ctx, self.opt.WriteTimeout)
	defer cancel()
	if err := c.Write(ctx, b); err != nil {
		inc(&self.stat.WriteError)
		return errors.Trace(&WriteError{Channel: ch, Err: err})
	}
	inc(&self.stat.Write)
	return nil
}

func (self *Link) onData(sess *Session, b []byte) {
	if !self.current(sess) {
		return
	}
	t, err := protocol.DecodeTelemetry(b)
	if err != nil {
		// expected for a few ticks after mode switch
		inc(&self.stat.FrameMalformed)
		self.Log.Debugf("%s drop %v", modName, err)
		return
	}
	if t.Extended() {
		inc(&self.stat.FrameExtended)
	} else {
		inc(&self.stat.FrameBase)
	}
	obs := self.observers()
	if obs.Battery != nil {
		inc(&self.stat.Battery)
		obs.Battery(t.Battery())
	}
	if obs.Data != nil {
		obs.Data(t)
	}
}

func (self *Link) onBattery(sess *Session, b []byte) {
	if !self.current(sess) {
		return
	}
	s, err := protocol.DecodeBatteryStatus(b)
	if err != nil {
		inc(&self.stat.FrameMalformed)
		self.Log.Debugf("%s drop %v", modName, err)
		return
	}
	if obs := self.observers(); obs.Battery != nil {
		inc(&self.stat.Battery)
		obs.Battery(s)
	}
}

func (self *Link) onSpecialResponse(sess *Session, b []byte) {
	if !self.current(sess) {
		return
	}
	r, err := protocol.DecodeSpecialResponse(b)
	if err != nil {
		self.Log.Infof("%s special response ignored: %v", modName, err)
		return
	}
	inc(&self.stat.Response)
	self.Log.Debugf("%s special response %s", modName, r.Kind)
	if obs := self.observers(); obs.SpecialResponse != nil {
		obs.SpecialResponse(r)
	}
}
