package live

import (
	"time"

	"github.com/temoto/escmeter/control"
	"github.com/temoto/escmeter/protocol"
	"github.com/temoto/escmeter/recorder"
)

const (
	EventData     = "data"
	EventBattery  = "battery"
	EventLink     = "link"
	EventResponse = "response"
)

// Event is one websocket text message.
type Event struct {
	Type    string      `json:"type"`
	Time    float64     `json:"time"` // unix seconds
	Payload interface{} `json:"payload"`
}

type DataPayload struct {
	Variant string             `json:"variant"`
	Values  map[string]float64 `json:"values"` // metric key -> value
	Units   map[string]string  `json:"units"`
}

type BatteryPayload struct {
	State   string  `json:"state"`
	Prev    string  `json:"prev"`
	Voltage float32 `json:"voltage"`
	Changed bool    `json:"changed"`
}

type LinkPayload struct {
	Connected  bool   `json:"connected"`
	Unexpected bool   `json:"unexpected"`
	Session    string `json:"session,omitempty"`
	Device     string `json:"device,omitempty"`
	Name       string `json:"name,omitempty"`
}

type ResponsePayload struct {
	Kind              string `json:"kind"`
	FirmwareVersion   uint8  `json:"firmware_version,omitempty"`
	RotationDirection uint8  `json:"rotation_direction,omitempty"`
	Mode3D            bool   `json:"mode_3d,omitempty"`
}

func unixSeconds(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

func dataEvent(t protocol.Telemetry, g recorder.Geometry, at time.Time) Event {
	ps := recorder.Derive(t, g)
	p := DataPayload{
		Variant: t.Variant.String(),
		Values:  make(map[string]float64, len(ps)),
		Units:   make(map[string]string, len(ps)),
	}
	for _, pt := range ps {
		key := pt.Metric.String()
		p.Values[key] = pt.Value
		if u := pt.Metric.Unit(g.TipSpeedUnit); u != "" {
			p.Units[key] = u
		}
	}
	return Event{Type: EventData, Time: unixSeconds(at), Payload: p}
}

func batteryEvent(e control.BatteryEvent, at time.Time) Event {
	return Event{Type: EventBattery, Time: unixSeconds(at), Payload: BatteryPayload{
		State:   e.Status.State.String(),
		Prev:    e.Prev.String(),
		Voltage: e.Status.Voltage,
		Changed: e.Changed,
	}}
}

func linkEvent(e control.LinkEvent) Event {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return Event{Type: EventLink, Time: unixSeconds(at), Payload: LinkPayload{
		Connected:  e.Connected,
		Unexpected: e.Unexpected,
		Session:    e.Session,
		Device:     e.Device.Id,
		Name:       e.Name,
	}}
}

func responseEvent(r protocol.SpecialResponse, at time.Time) Event {
	return Event{Type: EventResponse, Time: unixSeconds(at), Payload: ResponsePayload{
		Kind:              r.Kind.String(),
		FirmwareVersion:   r.FirmwareVersion,
		RotationDirection: r.RotationDirection,
		Mode3D:            r.Mode3D,
	}}
}
