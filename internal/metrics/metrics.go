// Package metrics exposes link, recorder, uplink and live hub statistics to Prometheus.
// Values are read on scrape, components keep their own atomic counters.
package metrics

import (
	"net/http"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/escmeter/control"
	"github.com/temoto/escmeter/internal/live"
	"github.com/temoto/escmeter/internal/tele"
	"github.com/temoto/escmeter/link"
)

const namespace = "escmeter"

type metric struct {
	subsystem string
	name      string
	help      string
	counter   bool
	value     func() float64
}

func linkCounter(ctl *control.Controller, name, help string, field func(link.Stat) uint32) metric {
	return metric{subsystem: "link", name: name, help: help, counter: true, value: func() float64 {
		return float64(field(ctl.Link().Stat()))
	}}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func collect(ctl *control.Controller, uplink *tele.Uplink, hub *live.Hub) []metric {
	ms := []metric{
		linkCounter(ctl, "connects_total", "Successful connects.", func(s link.Stat) uint32 { return s.Connect }),
		linkCounter(ctl, "connect_errors_total", "Failed connect attempts.", func(s link.Stat) uint32 { return s.ConnectError }),
		linkCounter(ctl, "connect_retries_total", "Connect retries.", func(s link.Stat) uint32 { return s.ConnectRetry }),
		linkCounter(ctl, "disconnects_total", "Intentional disconnects.", func(s link.Stat) uint32 { return s.Disconnect }),
		linkCounter(ctl, "drops_total", "Unexpected disconnects.", func(s link.Stat) uint32 { return s.Drop }),
		linkCounter(ctl, "frames_base_total", "Decoded PWM telemetry frames.", func(s link.Stat) uint32 { return s.FrameBase }),
		linkCounter(ctl, "frames_extended_total", "Decoded DSHOT telemetry frames.", func(s link.Stat) uint32 { return s.FrameExtended }),
		linkCounter(ctl, "frames_malformed_total", "Dropped frames of unknown length.", func(s link.Stat) uint32 { return s.FrameMalformed }),
		linkCounter(ctl, "battery_readings_total", "Battery readings from both channels.", func(s link.Stat) uint32 { return s.Battery }),
		linkCounter(ctl, "responses_total", "Special command responses.", func(s link.Stat) uint32 { return s.Response }),
		linkCounter(ctl, "writes_total", "Successful writes.", func(s link.Stat) uint32 { return s.Write }),
		linkCounter(ctl, "write_errors_total", "Failed writes.", func(s link.Stat) uint32 { return s.WriteError }),
		linkCounter(ctl, "heartbeats_total", "Acknowledged heartbeats.", func(s link.Stat) uint32 { return s.Heartbeat }),
		linkCounter(ctl, "heartbeat_errors_total", "Failed heartbeats.", func(s link.Stat) uint32 { return s.HeartbeatError }),
		{subsystem: "link", name: "state", help: "Link state, 1=Idle 2=Connecting 3=Connected 4=Disconnecting 5=Error.",
			value: func() float64 { return float64(ctl.Link().State()) }},
		{subsystem: "battery", name: "state", help: "Battery state, 0=NORMAL 1=WARNING 2=CUTOFF.",
			value: func() float64 { return float64(ctl.BatteryState()) }},
		{subsystem: "battery", name: "voltage_volts", help: "Last battery voltage.",
			value: func() float64 { return float64(ctl.Battery().Last().Voltage) }},
		{subsystem: "motor", name: "running", help: "Motor started.",
			value: func() float64 { return boolFloat(ctl.Running()) }},
		{subsystem: "motor", name: "throttle_percent", help: "Requested throttle.",
			value: func() float64 { return float64(ctl.Throttle()) }},
		{subsystem: "recorder", name: "recording", help: "Recording session active.",
			value: func() float64 { return boolFloat(ctl.Recorder().Recording()) }},
		{subsystem: "recorder", name: "samples", help: "Frames ingested since recording start.",
			value: func() float64 { return float64(ctl.Recorder().Snapshot().Samples) }},
	}
	if uplink != nil {
		ms = append(ms,
			metric{subsystem: "tele", name: "queued_total", help: "Messages stored for uplink.", counter: true,
				value: func() float64 { return float64(uplink.Stat().Queued) }},
			metric{subsystem: "tele", name: "sent_total", help: "Messages acknowledged by broker.", counter: true,
				value: func() float64 { return float64(uplink.Stat().Sent) }},
			metric{subsystem: "tele", name: "retries_total", help: "Publish failures put back to queue.", counter: true,
				value: func() float64 { return float64(uplink.Stat().Retry) }},
			metric{subsystem: "tele", name: "decimated_total", help: "Telemetry frames skipped by rate limit.", counter: true,
				value: func() float64 { return float64(uplink.Stat().Decimated) }},
			metric{subsystem: "tele", name: "dropped_total", help: "Messages lost before publish.", counter: true,
				value: func() float64 { return float64(uplink.Stat().Dropped) }},
		)
	}
	if hub != nil {
		ms = append(ms,
			metric{subsystem: "live", name: "clients", help: "Connected websocket clients.",
				value: func() float64 { return float64(hub.Stat().Clients) }},
			metric{subsystem: "live", name: "dropped_total", help: "Events dropped by full broadcast buffer.", counter: true,
				value: func() float64 { return float64(hub.Stat().Dropped) }},
			metric{subsystem: "live", name: "slow_clients_total", help: "Clients removed for full send buffer.", counter: true,
				value: func() float64 { return float64(hub.Stat().Slow) }},
		)
	}
	return ms
}

// Register uplink and hub may be nil.
func Register(reg prometheus.Registerer, ctl *control.Controller, uplink *tele.Uplink, hub *live.Hub) error {
	for _, m := range collect(ctl, uplink, hub) {
		var c prometheus.Collector
		if m.counter {
			c = prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: m.subsystem, Name: m.name, Help: m.help,
			}, m.value)
		} else {
			c = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: m.subsystem, Name: m.name, Help: m.help,
			}, m.value)
		}
		if err := reg.Register(c); err != nil {
			return errors.Annotatef(err, "metric %s_%s", m.subsystem, m.name)
		}
	}
	return nil
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
