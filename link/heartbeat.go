package link

import (
	"context"
	"time"

	"github.com/temoto/alive/v2"
	"github.com/temoto/escmeter/protocol"
)

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func newTimeTicker(d time.Duration) Ticker  { return timeTicker{time.NewTicker(d)} }
func (self timeTicker) C() <-chan time.Time { return self.t.C }
func (self timeTicker) Stop()               { self.t.Stop() }

// caller must hold self.mu
func (self *Link) startHeartbeat(sess *Session) {
	hb := alive.NewAlive()
	if !hb.Add(1) {
		return
	}
	sess.heartbeat = hb
	self.Log.Debugf("%s heartbeat start interval=%s", modName, self.opt.HeartbeatInterval)
	go self.heartbeatLoop(sess, hb)
}

// Ping write failure is transient, only lost connection stops heartbeat.
func (self *Link) heartbeatLoop(sess *Session, hb *alive.Alive) {
	defer hb.Done()
	tick := self.opt.NewTicker(self.opt.HeartbeatInterval)
	defer tick.Stop()
	ping := protocol.EncodeCommand(protocol.Ping())

	for {
		select {
		case <-hb.StopChan():
			return
		case <-tick.C():
		}
		if !hb.IsRunning() {
			return
		}
		ch := self.live(sess, ChannelCommand)
		if ch == nil {
			self.Log.Debugf("%s heartbeat stop, link not connected", modName)
			hb.Stop()
			return
		}
		if err := self.write(context.Background(), ChannelCommand, ch, ping[:]); err != nil {
			inc(&self.stat.HeartbeatError)
			self.Log.Errorf("%s heartbeat %v", modName, err)
			continue
		}
		inc(&self.stat.Heartbeat)
		sess.lastHeartbeatAck.SetNow()
	}
}

// stopHeartbeat waits until loop exits, so no ping is written after return.
func (sess *Session) stopHeartbeat(ctx context.Context) error {
	hb := sess.heartbeat
	if hb == nil {
		return nil
	}
	hb.Stop()
	select {
	case <-hb.WaitChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
