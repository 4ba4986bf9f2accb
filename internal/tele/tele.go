// Package tele is optional telemetry uplink to MQTT broker.
// Events are stored in persistent queue first and published in background,
// so link and recorder never wait for network.
package tele

import (
	"context"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/escmeter/control"
	"github.com/temoto/escmeter/helpers"
	tele_config "github.com/temoto/escmeter/internal/tele/config"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/protocol"
	"github.com/temoto/spq"
)

const DefaultTelemetryEvery = 1 * time.Second

const logMsgDisabled = "tele disabled"

// denote value type in persistent queue bytes form
const (
	qTelemetry byte = 1
	qBattery   byte = 2
	qLink      byte = 3
	qError     byte = 4
)

// Uplink contract:
// - Init fails only with invalid config, network issues ignored
// - On* and Error calls block at most for disk write
// - messages are deleted from queue only after broker ack, delivered at least once
// - telemetry frames decimated to TelemetryEverySec, skipped count reported
type Uplink struct { //nolint:maligned
	Log *log2.Log

	config    tele_config.Config
	transport Transporter
	q         *spq.Queue
	alive     *alive.Alive
	stat      Stat
	every     time.Duration
	lastTele  atomic_clock.Clock
	retry     helpers.Backoff

	mu      sync.Mutex
	session string
	device  string
	skipped uint32
}

var _ control.Sink = &Uplink{}

func New() *Uplink { return &Uplink{} }

func NewWithTransporter(trans Transporter) *Uplink { return &Uplink{transport: trans} }

func (self *Uplink) Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config) error {
	self.config = teleConfig
	self.Log = log
	if self.config.LogDebug {
		self.Log = log.Clone(log2.LDebug)
	}
	if !self.config.Enabled {
		self.Log.Infof(logMsgDisabled)
		return nil
	}
	self.every = helpers.IntSecondDefault(self.config.TelemetryEverySec, DefaultTelemetryEvery)
	self.retry = helpers.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, K: 2}

	if self.config.PersistPath == "" {
		return errors.NotValidf("tele.persist_path empty")
	}
	var err error
	self.q, err = spq.Open(self.config.PersistPath)
	if err != nil {
		return errors.Annotate(err, "tele queue")
	}

	// test code sets .transport
	if self.transport == nil { // production path
		self.transport = &transportMqtt{}
	}
	if err = self.transport.Init(ctx, self.Log, self.config); err != nil {
		self.q.Close()
		self.q = nil
		return errors.Annotate(err, "tele transport")
	}

	self.alive = alive.NewAlive()
	if self.alive.Add(1) {
		go self.qworker()
	}
	return nil
}

func (self *Uplink) Enabled() bool { return self.config.Enabled && self.q != nil }
func (self *Uplink) Stat() Stat    { return self.stat.load() }

// Close stops worker, undelivered messages stay in persistent queue.
func (self *Uplink) Close() {
	if !self.Enabled() {
		return
	}
	self.alive.Stop()
	self.q.Close()
	self.alive.Wait()
	self.transport.Close()
}

func (self *Uplink) ids() (string, string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.session, self.device
}

func (self *Uplink) OnTelemetry(t protocol.Telemetry) {
	if !self.Enabled() {
		return
	}
	if !self.lastTele.IsZero() && atomic_clock.Since(&self.lastTele) < self.every {
		inc(&self.stat.Decimated)
		self.mu.Lock()
		self.skipped++
		self.mu.Unlock()
		return
	}
	self.lastTele.SetNow()
	self.mu.Lock()
	skipped := self.skipped
	self.skipped = 0
	session, device := self.session, self.device
	self.mu.Unlock()

	tm := &Telemetry{
		Time:         time.Now().UnixNano(),
		Session:      session,
		Device:       device,
		Variant:      uint32(t.Variant),
		Voltage:      t.Voltage,
		Current:      t.Current,
		Throttle:     t.Throttle,
		BatteryState: uint32(t.BatteryState),
		Skipped:      skipped,
	}
	if t.Extended() {
		tm.Rpm = t.Rpm
		tm.EscVoltage = t.EscVoltage
		tm.EscCurrent = t.EscCurrent
		tm.TempC = uint32(t.TempC)
		tm.EscStatus = uint32(t.LastStatus)
		tm.Stress = uint32(t.Stress)
	}
	self.qpush(qTelemetry, tm)
}

// OnBattery publishes transitions only.
func (self *Uplink) OnBattery(e control.BatteryEvent) {
	if !self.Enabled() || !e.Changed {
		return
	}
	session, device := self.ids()
	self.qpush(qBattery, &BatteryEvent{
		Time:    time.Now().UnixNano(),
		Session: session,
		Device:  device,
		Prev:    uint32(e.Prev),
		State:   uint32(e.Status.State),
		Voltage: e.Status.Voltage,
	})
}

func (self *Uplink) OnLink(e control.LinkEvent) {
	if !self.Enabled() {
		return
	}
	self.mu.Lock()
	if e.Connected {
		self.session, self.device = e.Session, e.Device.Id
	} else {
		self.session = ""
	}
	self.mu.Unlock()
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	self.qpush(qLink, &LinkEvent{
		Time:       at.UnixNano(),
		Session:    e.Session,
		Device:     e.Device.Id,
		Name:       e.Name,
		Connected:  e.Connected,
		Unexpected: e.Unexpected,
	})
}

func (self *Uplink) OnResponse(protocol.SpecialResponse) {}

// Error is suitable for log2.SetErrorFunc.
func (self *Uplink) Error(e error) {
	if !self.Enabled() || e == nil {
		return
	}
	session, _ := self.ids()
	self.qpush(qError, &Error{
		Time:         time.Now().UnixNano(),
		Session:      session,
		Message:      e.Error(),
		BuildVersion: self.config.BuildVersion,
	})
}

func (self *Uplink) qpush(tag byte, pb proto.Message) {
	if err := self.qpushTagProto(tag, pb); err != nil {
		inc(&self.stat.Dropped)
		// not Errorf: error hook may call back into uplink
		self.Log.Infof("CRITICAL tele qpush tag=%d err=%v", tag, err)
		return
	}
	inc(&self.stat.Queued)
}

func (self *Uplink) qpushTagProto(tag byte, pb proto.Message) error {
	buf := proto.NewBuffer(make([]byte, 0, 256))
	if err := buf.EncodeVarint(uint64(tag)); err != nil {
		return err
	}
	if err := buf.Marshal(pb); err != nil {
		return err
	}
	return self.q.Push(buf.Bytes())
}

func (self *Uplink) qworker() {
	defer self.alive.Done()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
			// success path
			b := box.Bytes()
			del := self.qhandle(b)
			if del {
				if err = self.q.Delete(box); err != nil {
					self.Log.Infof("CRITICAL tele Delete b=%x err=%v", b, err)
				}
				self.retry.Reset()
				continue
			}
			inc(&self.stat.Retry)
			if err = self.q.DeletePush(box); err != nil {
				self.Log.Infof("CRITICAL tele DeletePush b=%x err=%v", b, err)
			}
			select {
			case <-time.After(self.retry.DelayAfter(false)):
			case <-self.alive.StopChan():
				return
			}

		case spq.ErrClosed:
			if self.alive.IsRunning() {
				self.Log.Infof("CRITICAL tele spq closed unexpectedly")
			}
			return

		default:
			self.Log.Infof("CRITICAL tele spq err=%v", err)
			select {
			case <-time.After(time.Second):
			case <-self.alive.StopChan():
				return
			}
		}
	}
}

// qhandle returns true when message should leave queue.
func (self *Uplink) qhandle(b []byte) bool {
	if len(b) == 0 {
		self.Log.Infof("tele spq peek=empty")
		inc(&self.stat.Dropped)
		return true
	}
	kind, pb := kindMessage(b[0])
	if pb == nil {
		self.Log.Infof("tele spq unknown tag=%d", b[0])
		inc(&self.stat.Dropped)
		return true
	}
	// validate before publish, retry will not help broken bytes
	if err := proto.Unmarshal(b[1:], pb); err != nil {
		self.Log.Infof("tele spq tag=%d unmarshal err=%v", b[0], err)
		inc(&self.stat.Dropped)
		return true
	}
	if !self.transport.Publish(kind, b[1:]) {
		return false
	}
	inc(&self.stat.Sent)
	return true
}

func kindMessage(tag byte) (string, proto.Message) {
	switch tag {
	case qTelemetry:
		return KindTelemetry, &Telemetry{}
	case qBattery:
		return KindBattery, &BatteryEvent{}
	case qLink:
		return KindLink, &LinkEvent{}
	case qError:
		return KindError, &Error{}
	}
	return "", nil
}
