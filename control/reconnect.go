package control

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/temoto/alive/v2"
	"github.com/temoto/escmeter/helpers"
	"github.com/temoto/escmeter/link"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/protocol"
)

// Reconnector restores link after unexpected drop.
// Intentional disconnect leaves link idle.
type Reconnector struct {
	Log      *log2.Log
	ctl      *Controller
	alive    *alive.Alive
	backoff  helpers.Backoff
	kick     chan struct{}
	attempts uint32
}

var _ Sink = &Reconnector{}

func NewReconnector(log *log2.Log, ctl *Controller, min, max time.Duration) *Reconnector {
	if min <= 0 {
		min = time.Second
	}
	return &Reconnector{
		Log:     log,
		ctl:     ctl,
		alive:   alive.NewAlive(),
		backoff: helpers.Backoff{Min: min, Max: max, K: 2},
		kick:    make(chan struct{}, 1),
	}
}

func (self *Reconnector) Start() {
	if self.alive.Add(1) {
		go self.run()
	}
}

func (self *Reconnector) Stop() {
	self.alive.Stop()
	self.alive.Wait()
}

func (self *Reconnector) Attempts() uint32 { return atomic.LoadUint32(&self.attempts) }

// Kick schedules reconnect, e.g. after failed initial connect.
func (self *Reconnector) Kick() {
	select {
	case self.kick <- struct{}{}:
	default:
	}
}

func (self *Reconnector) OnLink(e LinkEvent) {
	if e.Unexpected {
		self.Kick()
	}
}

func (self *Reconnector) OnTelemetry(protocol.Telemetry)      {}
func (self *Reconnector) OnBattery(BatteryEvent)              {}
func (self *Reconnector) OnResponse(protocol.SpecialResponse) {}

func (self *Reconnector) run() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	ctx, cancel := helpers.AliveContext(context.Background(), self.alive)
	defer cancel()
	for {
		select {
		case <-stopch:
			return
		case <-self.kick:
			self.reconnect(ctx)
		}
	}
}

func (self *Reconnector) reconnect(ctx context.Context) {
	self.backoff.Reset()
	self.backoff.Failure()
	for {
		delay := self.backoff.DelayBefore()
		self.Log.Infof("%s reconnect in %v", modName, delay)
		if helpers.SleepCtx(ctx, delay) != nil {
			return
		}
		if self.ctl.Link().State() == link.StateConnected {
			return
		}
		atomic.AddUint32(&self.attempts, 1)
		err := self.ctl.Connect(ctx)
		if err == nil {
			self.Log.Infof("%s reconnected", modName)
			return
		}
		if ctx.Err() != nil {
			return
		}
		self.Log.Infof("%s reconnect err=%v", modName, err)
		self.backoff.Failure()
	}
}
