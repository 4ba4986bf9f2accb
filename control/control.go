// Package control is the consumer side of link: motor commands with
// coalesced throttle, battery transitions, recording and per device settings.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/escmeter/helpers"
	"github.com/temoto/escmeter/internal/devstore"
	"github.com/temoto/escmeter/link"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/protocol"
	"github.com/temoto/escmeter/recorder"
)

const modName string = "control"

const DefaultShutdownPause = 50 * time.Millisecond

type BatteryEvent struct {
	Status  protocol.BatteryStatus
	Prev    protocol.BatteryState
	Changed bool
}

type LinkEvent struct {
	Connected  bool
	Unexpected bool
	Session    string
	Device     link.Device
	Name       string
	At         time.Time
}

// Sink receives events fanned out by Controller, e.g. live view and uplink.
// Methods are called from transport goroutines and must not block.
type Sink interface {
	OnTelemetry(t protocol.Telemetry)
	OnBattery(e BatteryEvent)
	OnLink(e LinkEvent)
	OnResponse(r protocol.SpecialResponse)
}

type Options struct {
	ThrottleInterval time.Duration
	ShutdownPause    time.Duration
	DefaultConfig    protocol.Config
	DefaultRotor     recorder.GeometrySettings
}

type Controller struct {
	Log *log2.Log

	link     *link.Link
	rec      *recorder.Recorder
	store    devstore.Store
	opt      Options
	battery  *BatteryWatcher
	throttle *Throttle

	mu           sync.Mutex
	sinks        []Sink
	deviceId     string
	device       devstore.Device
	session      string
	running      bool
	escConnected bool
	throttleVal  float32
}

type Status struct {
	Link         link.State
	Session      string
	DeviceId     string
	DeviceName   string
	Config       protocol.Config
	Running      bool
	EscConnected bool
	Throttle     float32
	Battery      protocol.BatteryStatus
	BatteryState protocol.BatteryState
	Recording    recorder.Snapshot
}

func New(log *log2.Log, l *link.Link, rec *recorder.Recorder, store devstore.Store, opt Options) *Controller {
	if opt.ShutdownPause <= 0 {
		opt.ShutdownPause = DefaultShutdownPause
	}
	if opt.DefaultConfig == (protocol.Config{}) {
		opt.DefaultConfig = protocol.DefaultConfig()
	}
	if opt.DefaultRotor == (recorder.GeometrySettings{}) {
		opt.DefaultRotor = recorder.DefaultGeometrySettings()
	}
	if store == nil {
		store = devstore.NewMemoryStore()
	}
	self := &Controller{
		Log:   log,
		link:  l,
		rec:   rec,
		store: store,
		opt:   opt,
	}
	self.battery = NewBatteryWatcher(self.onBatteryTransition)
	self.throttle = NewThrottle(opt.ThrottleInterval, self.sendThrottle)
	l.SetObservers(link.Observers{
		Data:            self.onData,
		Battery:         self.onBattery,
		Connection:      self.onConnection,
		SpecialResponse: self.onResponse,
	})
	return self
}

func (self *Controller) AddSink(s Sink) {
	self.mu.Lock()
	self.sinks = append(self.sinks, s)
	self.mu.Unlock()
}

func (self *Controller) getSinks() []Sink {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.sinks
}

func (self *Controller) Link() *link.Link                    { return self.link }
func (self *Controller) Recorder() *recorder.Recorder        { return self.rec }
func (self *Controller) Store() devstore.Store               { return self.store }
func (self *Controller) Battery() *BatteryWatcher            { return self.battery }
func (self *Controller) BatteryState() protocol.BatteryState { return self.battery.State() }

func (self *Controller) Status() Status {
	self.mu.Lock()
	s := Status{
		Session:      self.session,
		DeviceId:     self.deviceId,
		DeviceName:   self.device.Name,
		Config:       self.device.Config,
		Running:      self.running,
		EscConnected: self.escConnected,
		Throttle:     self.throttleVal,
	}
	self.mu.Unlock()
	s.Link = self.link.State()
	s.Battery = self.battery.Last()
	s.BatteryState = self.battery.State()
	s.Recording = self.rec.Snapshot()
	return s
}

// Device returns settings of connected (or last connected) device.
func (self *Controller) Device() (string, devstore.Device) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.deviceId, self.device
}

// Connect establishes link, loads stored device settings (or registers
// unknown device under next default name) and sends config which starts heartbeat.
func (self *Controller) Connect(ctx context.Context) error {
	if err := self.link.Connect(ctx); err != nil {
		return err
	}
	info, ok := self.link.Session()
	if !ok {
		return errors.Annotate(link.ErrNotConnected, "connect session lost")
	}

	dev, err := self.store.Get(info.Device.Id)
	switch {
	case err == nil:
		self.Log.Infof("%s known device id=%s name=%s", modName, info.Device.Id, dev.Name)
	case errors.IsNotFound(err):
		name, nerr := self.store.NextName()
		if nerr != nil {
			self.Log.Errorf("%s device name err=%v", modName, nerr)
		}
		dev = devstore.Device{Name: name, Config: self.opt.DefaultConfig}
		self.Log.Infof("%s new device id=%s name=%s", modName, info.Device.Id, name)
	default:
		self.Log.Errorf("%s device store id=%s err=%v", modName, info.Device.Id, err)
		dev = devstore.Device{Name: info.Device.Name, Config: self.opt.DefaultConfig}
	}
	if dev.Rotor == nil {
		rotor := self.opt.DefaultRotor
		dev.Rotor = &rotor
	}
	if err := self.rec.SetGeometry(*dev.Rotor); err != nil {
		self.Log.Errorf("%s stored rotor id=%s err=%v", modName, info.Device.Id, err)
	}
	if err := self.store.Put(info.Device.Id, dev); err != nil {
		self.Log.Errorf("%s device store put err=%v", modName, err)
	}

	self.mu.Lock()
	self.deviceId = info.Device.Id
	self.device = dev
	self.session = info.Id
	self.mu.Unlock()

	// without config there is no heartbeat, session would idle out
	if err := self.link.SendConfig(ctx, dev.Config); err != nil {
		if derr := self.link.Disconnect(ctx); derr != nil {
			self.Log.Errorf("%s disconnect after initial config err=%v", modName, derr)
		}
		self.resetRuntime()
		return errors.Annotate(err, "initial config")
	}
	self.emitLink(LinkEvent{Connected: true, Session: info.Id, Device: info.Device, Name: dev.Name, At: time.Now()})
	return nil
}

func (self *Controller) Disconnect(ctx context.Context) error {
	self.throttle.Cancel()
	info, had := self.link.Session()
	err := self.link.Disconnect(ctx)
	self.resetRuntime()
	if had && info.State == link.StateConnected {
		self.mu.Lock()
		name := self.device.Name
		self.mu.Unlock()
		self.emitLink(LinkEvent{Session: info.Id, Device: info.Device, Name: name, At: time.Now()})
	}
	return err
}

func (self *Controller) resetRuntime() {
	self.mu.Lock()
	self.running = false
	self.escConnected = false
	self.session = ""
	self.mu.Unlock()
}

// SetConfig sends config to device when connected and persists it per device.
func (self *Controller) SetConfig(ctx context.Context, c protocol.Config) error {
	if err := c.Validate(); err != nil {
		return errors.Annotate(err, "config")
	}
	self.mu.Lock()
	typeChanged := self.device.Config.EscType != c.EscType
	self.mu.Unlock()
	if self.link.State() == link.StateConnected {
		if err := self.link.SendConfig(ctx, c); err != nil {
			return err
		}
	}
	if typeChanged {
		self.SetThrottle(0)
	}
	return self.updateDevice(func(d *devstore.Device) { d.Config = c })
}

func (self *Controller) SetRotor(gs recorder.GeometrySettings) error {
	if err := self.rec.SetGeometry(gs); err != nil {
		return err
	}
	return self.updateDevice(func(d *devstore.Device) { d.Rotor = &gs })
}

func (self *Controller) Rename(name string) error {
	if name == "" {
		return errors.NotValidf("device name empty")
	}
	return self.updateDevice(func(d *devstore.Device) { d.Name = name })
}

func (self *Controller) updateDevice(fn func(*devstore.Device)) error {
	self.mu.Lock()
	fn(&self.device)
	id, dev := self.deviceId, self.device
	self.mu.Unlock()
	if id == "" {
		return nil
	}
	return self.store.Put(id, dev)
}

func (self *Controller) throttleRange() (float32, float32) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.device.Config.EscType == protocol.EscBidirectional {
		return -100, 100
	}
	return 0, 100
}

// SetThrottle clamps value to ESC type range; while motor runs the value
// goes out through coalescer as START command.
func (self *Controller) SetThrottle(v float32) float32 {
	lo, hi := self.throttleRange()
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	self.mu.Lock()
	self.throttleVal = v
	running := self.running
	self.mu.Unlock()
	if running && self.link.State() == link.StateConnected {
		self.throttle.Set(v)
	}
	return v
}

func (self *Controller) Throttle() float32 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.throttleVal
}

func (self *Controller) sendThrottle(v float32) {
	ctx := context.Background()
	if err := self.link.SendCommand(ctx, protocol.Command{Code: protocol.CommandStart, Throttle: v}); err != nil {
		self.Log.Errorf("%s throttle=%.1f err=%v", modName, v, err)
	}
}

func (self *Controller) Running() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.running
}

// Start refuses while battery protection holds CUTOFF.
func (self *Controller) Start(ctx context.Context) error {
	self.mu.Lock()
	protect := self.device.Config.BatteryProtectionEnabled
	v := self.throttleVal
	self.mu.Unlock()
	if protect && self.battery.State() == protocol.BatteryCutoff {
		return errors.NotValidf("start with battery CUTOFF")
	}
	if err := self.link.SendCommand(ctx, protocol.Command{Code: protocol.CommandStart, Throttle: v}); err != nil {
		return err
	}
	self.mu.Lock()
	self.running = true
	self.mu.Unlock()
	return nil
}

func (self *Controller) Stop(ctx context.Context) error {
	self.throttle.Cancel()
	if err := self.link.SendCommand(ctx, protocol.Command{Code: protocol.CommandStop}); err != nil {
		return err
	}
	self.mu.Lock()
	self.running = false
	self.mu.Unlock()
	return nil
}

func (self *Controller) ConnectESC(ctx context.Context) error {
	if err := self.link.SendCommand(ctx, protocol.Command{Code: protocol.CommandConnectEsc}); err != nil {
		return err
	}
	self.mu.Lock()
	self.escConnected = true
	self.mu.Unlock()
	return nil
}

// DisconnectESC stops motor first if running.
func (self *Controller) DisconnectESC(ctx context.Context) error {
	if self.Running() {
		if err := self.Stop(ctx); err != nil {
			return err
		}
	}
	if err := self.link.SendCommand(ctx, protocol.Command{Code: protocol.CommandDisconnectEsc}); err != nil {
		return err
	}
	self.mu.Lock()
	self.escConnected = false
	self.running = false
	self.mu.Unlock()
	return nil
}

func (self *Controller) Special(ctx context.Context, code protocol.SpecialCommand) error {
	return self.link.SendSpecialCommand(ctx, code)
}

func (self *Controller) StartRecording() { self.rec.StartRecording(time.Now()) }
func (self *Controller) StopRecording()  { self.rec.StopRecording() }

// Shutdown: stop recording, STOP, pause, DISCONNECT-ESC, pause, disconnect link.
// Send failures are logged, sequence continues.
func (self *Controller) Shutdown(ctx context.Context) error {
	self.throttle.Cancel()
	self.rec.StopRecording()
	if self.link.State() == link.StateConnected {
		if err := self.link.SendCommand(ctx, protocol.Command{Code: protocol.CommandStop}); err != nil {
			self.Log.Errorf("%s shutdown stop err=%v", modName, err)
		}
		if err := helpers.SleepCtx(ctx, self.opt.ShutdownPause); err != nil {
			self.Log.Debugf("%s shutdown pause err=%v", modName, err)
		}
		if err := self.link.SendCommand(ctx, protocol.Command{Code: protocol.CommandDisconnectEsc}); err != nil {
			self.Log.Errorf("%s shutdown disconnect-esc err=%v", modName, err)
		}
		if err := helpers.SleepCtx(ctx, self.opt.ShutdownPause); err != nil {
			self.Log.Debugf("%s shutdown pause err=%v", modName, err)
		}
	}
	return self.Disconnect(ctx)
}

// Close is final, stops coalescer.
func (self *Controller) Close() { self.throttle.Stop() }

func (self *Controller) onData(t protocol.Telemetry) {
	self.rec.Ingest(t)
	for _, s := range self.getSinks() {
		s.OnTelemetry(t)
	}
}

func (self *Controller) onBattery(status protocol.BatteryStatus) {
	prev, changed := self.battery.Observe(status)
	e := BatteryEvent{Status: status, Prev: prev, Changed: changed}
	for _, s := range self.getSinks() {
		s.OnBattery(e)
	}
}

func (self *Controller) onBatteryTransition(from, to protocol.BatteryState, status protocol.BatteryStatus) {
	self.Log.Infof("%s battery %s -> %s voltage=%.2f", modName, from, to, status.Voltage)
	if to == protocol.BatteryCutoff {
		// device stops motor by itself
		self.throttle.Cancel()
		self.mu.Lock()
		self.running = false
		self.mu.Unlock()
		self.Log.Errorf("%s battery cutoff, motor stopped", modName)
	}
}

func (self *Controller) onConnection(connected bool) {
	if connected {
		self.battery.Reset()
		self.mu.Lock()
		self.running = false
		self.escConnected = false
		self.mu.Unlock()
		return
	}
	self.throttle.Cancel()
	self.rec.StopRecording()
	self.mu.Lock()
	e := LinkEvent{Unexpected: true, Session: self.session, Name: self.device.Name, At: time.Now()}
	e.Device = link.Device{Id: self.deviceId}
	self.mu.Unlock()
	self.resetRuntime()
	self.emitLink(e)
}

func (self *Controller) onResponse(r protocol.SpecialResponse) {
	self.Log.Debugf("%s special response %v", modName, r)
	for _, s := range self.getSinks() {
		s.OnResponse(r)
	}
}

func (self *Controller) emitLink(e LinkEvent) {
	for _, s := range self.getSinks() {
		s.OnLink(e)
	}
}
