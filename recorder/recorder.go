// Package recorder turns telemetry stream into per metric time series
// for live plots and CSV export.
package recorder

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/protocol"
)

const modName string = "recorder"

const DefaultEpsilon = time.Millisecond

type Sample struct {
	Time  float64 // seconds since recording epoch
	Value float64
}

type series []Sample

// add coalesces samples closer than eps to previous one, last value wins.
// Time going backwards is clamped to previous sample, series stays sorted.
func (s series) add(t, v, eps float64) series {
	if n := len(s); n > 0 && (t < s[n-1].Time || abs(t-s[n-1].Time) < eps) {
		s[n-1].Value = v
		return s
	}
	return append(s, Sample{Time: t, Value: v})
}

// at finds sample with |Time-t| < eps.
func (s series) at(t, eps float64) (Sample, bool) {
	i := sort.Search(len(s), func(i int) bool { return s[i].Time > t-eps })
	for ; i < len(s) && s[i].Time < t+eps; i++ {
		if abs(s[i].Time-t) < eps {
			return s[i], true
		}
	}
	return Sample{}, false
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

type Options struct {
	Epsilon  time.Duration // duplicate timestamp tolerance, default 1ms
	Geometry GeometrySettings
	Now      func() time.Time
}

// Recorder is safe for concurrent use.
// State machine: idle -> recording -> idle, each start clears all series.
type Recorder struct {
	Log *log2.Log

	now      func() time.Time
	epsilon  float64
	mu       sync.RWMutex
	settings GeometrySettings
	geometry Geometry

	recording bool
	epoch     time.Time
	stopped   time.Time
	frames    int
	series    [metricCount]series
}

type Snapshot struct {
	Recording bool
	Epoch     time.Time
	Duration  time.Duration
	Samples   int // ingested frames since last start
	Series    map[Metric]int
}

func New(log *log2.Log, opt Options) (*Recorder, error) {
	if opt.Epsilon <= 0 {
		opt.Epsilon = DefaultEpsilon
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Geometry == (GeometrySettings{}) {
		opt.Geometry = DefaultGeometrySettings()
	}
	self := &Recorder{
		Log:     log,
		now:     opt.Now,
		epsilon: opt.Epsilon.Seconds(),
	}
	if err := self.SetGeometry(opt.Geometry); err != nil {
		return nil, err
	}
	return self, nil
}

// SetGeometry applies to frames ingested after the call.
func (self *Recorder) SetGeometry(gs GeometrySettings) error {
	g, err := gs.Resolve()
	if err != nil {
		return errors.Annotate(err, "recorder geometry")
	}
	self.mu.Lock()
	self.settings = gs
	self.geometry = g
	self.mu.Unlock()
	return nil
}

func (self *Recorder) GeometrySettings() GeometrySettings {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.settings
}

func (self *Recorder) Geometry() Geometry {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.geometry
}

// StartRecording clears all series and sets timestamp zero.
func (self *Recorder) StartRecording(epoch time.Time) {
	self.mu.Lock()
	for i := range self.series {
		self.series[i] = nil
	}
	self.frames = 0
	self.epoch = epoch
	self.stopped = time.Time{}
	self.recording = true
	self.mu.Unlock()
	self.Log.Infof("%s start epoch=%s", modName, epoch.Format(time.RFC3339Nano))
}

// StopRecording freezes series, they stay readable until next start.
func (self *Recorder) StopRecording() {
	self.mu.Lock()
	if !self.recording {
		self.mu.Unlock()
		return
	}
	self.recording = false
	self.stopped = self.now()
	frames := self.frames
	self.mu.Unlock()
	self.Log.Infof("%s stop frames=%d", modName, frames)
}

func (self *Recorder) Recording() bool {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.recording
}

func (self *Recorder) Ingest(t protocol.Telemetry) bool { return self.IngestAt(t, self.now()) }

// IngestAt appends every metric computable from frame variant.
// Returns false when not recording.
func (self *Recorder) IngestAt(t protocol.Telemetry, at time.Time) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.recording {
		return false
	}
	rel := at.Sub(self.epoch).Seconds()
	for _, p := range Derive(t, self.geometry) {
		self.series[p.Metric] = self.series[p.Metric].add(rel, p.Value, self.epsilon)
	}
	self.frames++
	return true
}

// Now returns current time relative to recording epoch, seconds.
func (self *Recorder) Now() float64 {
	self.mu.RLock()
	defer self.mu.RUnlock()
	if self.epoch.IsZero() {
		return 0
	}
	return self.now().Sub(self.epoch).Seconds()
}

// Series returns copy of full metric series.
func (self *Recorder) Series(m Metric) []Sample {
	if !m.Valid() {
		return nil
	}
	self.mu.RLock()
	defer self.mu.RUnlock()
	s := self.series[m]
	if len(s) == 0 {
		return nil
	}
	return append([]Sample(nil), s...)
}

// Windowed returns samples with Time in [now-width, now].
func (self *Recorder) Windowed(m Metric, width, now float64) []Sample {
	if !m.Valid() || width < 0 {
		return nil
	}
	self.mu.RLock()
	defer self.mu.RUnlock()
	s := self.series[m]
	from := now - width
	lo := sort.Search(len(s), func(i int) bool { return s[i].Time >= from })
	hi := sort.Search(len(s), func(i int) bool { return s[i].Time > now })
	if lo >= hi {
		return nil
	}
	return append([]Sample(nil), s[lo:hi]...)
}

func (self *Recorder) Snapshot() Snapshot {
	self.mu.RLock()
	defer self.mu.RUnlock()
	snap := Snapshot{
		Recording: self.recording,
		Epoch:     self.epoch,
		Samples:   self.frames,
		Series:    make(map[Metric]int),
	}
	switch {
	case self.epoch.IsZero():
	case self.recording:
		snap.Duration = self.now().Sub(self.epoch)
	default:
		snap.Duration = self.stopped.Sub(self.epoch)
	}
	for i, s := range self.series {
		if len(s) != 0 {
			snap.Series[Metric(i)] = len(s)
		}
	}
	return snap
}
