package link

import "sync/atomic"

type Stat struct {
	Connect        uint32
	ConnectError   uint32
	ConnectRetry   uint32
	Disconnect     uint32
	Drop           uint32 // unexpected disconnect
	FrameBase      uint32
	FrameExtended  uint32
	FrameMalformed uint32
	Battery        uint32
	Response       uint32
	Write          uint32
	WriteError     uint32
	Heartbeat      uint32
	HeartbeatError uint32
}

func (self *Stat) load() Stat {
	return Stat{
		Connect:        atomic.LoadUint32(&self.Connect),
		ConnectError:   atomic.LoadUint32(&self.ConnectError),
		ConnectRetry:   atomic.LoadUint32(&self.ConnectRetry),
		Disconnect:     atomic.LoadUint32(&self.Disconnect),
		Drop:           atomic.LoadUint32(&self.Drop),
		FrameBase:      atomic.LoadUint32(&self.FrameBase),
		FrameExtended:  atomic.LoadUint32(&self.FrameExtended),
		FrameMalformed: atomic.LoadUint32(&self.FrameMalformed),
		Battery:        atomic.LoadUint32(&self.Battery),
		Response:       atomic.LoadUint32(&self.Response),
		Write:          atomic.LoadUint32(&self.Write),
		WriteError:     atomic.LoadUint32(&self.WriteError),
		Heartbeat:      atomic.LoadUint32(&self.Heartbeat),
		HeartbeatError: atomic.LoadUint32(&self.HeartbeatError),
	}
}

func inc(p *uint32) { atomic.AddUint32(p, 1) }
