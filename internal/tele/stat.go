package tele

import "sync/atomic"

type Stat struct {
	Queued    uint32
	Sent      uint32
	Retry     uint32
	Decimated uint32
	Dropped   uint32 // queue push failed or payload broken
}

func (self *Stat) load() Stat {
	return Stat{
		Queued:    atomic.LoadUint32(&self.Queued),
		Sent:      atomic.LoadUint32(&self.Sent),
		Retry:     atomic.LoadUint32(&self.Retry),
		Decimated: atomic.LoadUint32(&self.Decimated),
		Dropped:   atomic.LoadUint32(&self.Dropped),
	}
}

func inc(p *uint32) { atomic.AddUint32(p, 1) }
