package live

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/escmeter/control"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/recorder"
)

const DefaultWindow = 30 * time.Second

type Routes struct {
	Live    string
	Metrics string
	Export  string
	Status  string
	Window  string
	// WindowWidth of live plot history served by Window route
	WindowWidth time.Duration
}

func DefaultRoutes() Routes {
	return Routes{
		Live:        "/live",
		Metrics:     "/metrics",
		Export:      "/export",
		Status:      "/status",
		Window:      "/window",
		WindowWidth: DefaultWindow,
	}
}

// NewHandler metrics may be nil.
func NewHandler(log *log2.Log, hub *Hub, ctl *control.Controller, metrics http.Handler, routes Routes) http.Handler {
	mux := http.NewServeMux()
	if routes.Live != "" {
		mux.Handle(routes.Live, hub)
	}
	if routes.Metrics != "" && metrics != nil {
		mux.Handle(routes.Metrics, metrics)
	}
	if routes.Export != "" {
		mux.HandleFunc(routes.Export, func(w http.ResponseWriter, r *http.Request) { serveExport(log, ctl, w, r) })
	}
	if routes.Status != "" {
		mux.HandleFunc(routes.Status, func(w http.ResponseWriter, r *http.Request) { serveStatus(ctl, w) })
	}
	if routes.Window != "" {
		width := routes.WindowWidth
		if width <= 0 {
			width = DefaultWindow
		}
		mux.HandleFunc(routes.Window, func(w http.ResponseWriter, r *http.Request) { serveWindow(ctl, width, w, r) })
	}
	return mux
}

// serveExport writes CSV of current recording, metrics selected by repeated ?m=key.
// No m parameter selects all metrics.
func serveExport(log *log2.Log, ctl *control.Controller, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	selected := recorder.AllMetrics()
	if keys := r.URL.Query()["m"]; len(keys) != 0 {
		var err error
		if selected, err = recorder.ParseMetrics(keys); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	var buf bytes.Buffer
	if err := ctl.Recorder().WriteCSV(&buf, selected); err != nil {
		switch {
		case errors.IsNotValid(err):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.IsNotFound(err):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			log.Errorf("%s export err=%v", modName, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	_, dev := ctl.Device()
	name := dev.Name
	if name == "" {
		name = "escmeter"
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", recorder.ExportFilename(name, time.Now())))
	_, _ = w.Write(buf.Bytes())
}

type statusView struct {
	Link         string  `json:"link"`
	Session      string  `json:"session,omitempty"`
	DeviceId     string  `json:"device_id,omitempty"`
	DeviceName   string  `json:"device_name,omitempty"`
	Mode         string  `json:"mode"`
	EscType      string  `json:"esc_type"`
	Running      bool    `json:"running"`
	EscConnected bool    `json:"esc_connected"`
	Throttle     float32 `json:"throttle"`
	Battery      string  `json:"battery"`
	Voltage      float32 `json:"voltage"`
	Recording    bool    `json:"recording"`
	Samples      int     `json:"samples"`
	DurationSec  float64 `json:"duration_sec"`
}

func serveStatus(ctl *control.Controller, w http.ResponseWriter) {
	s := ctl.Status()
	v := statusView{
		Link:         s.Link.String(),
		Session:      s.Session,
		DeviceId:     s.DeviceId,
		DeviceName:   s.DeviceName,
		Mode:         s.Config.Mode.String(),
		EscType:      s.Config.EscType.String(),
		Running:      s.Running,
		EscConnected: s.EscConnected,
		Throttle:     s.Throttle,
		Battery:      s.BatteryState.String(),
		Voltage:      s.Battery.Voltage,
		Recording:    s.Recording.Recording,
		Samples:      s.Recording.Samples,
		DurationSec:  s.Recording.Duration.Seconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type windowView struct {
	Width  float64                 `json:"width"`
	Now    float64                 `json:"now"`
	Series map[string][][2]float64 `json:"series"`
}

// serveWindow gives recent samples for plot initialization of late client.
func serveWindow(ctl *control.Controller, width time.Duration, w http.ResponseWriter, r *http.Request) {
	selected := recorder.AllMetrics()
	if keys := r.URL.Query()["m"]; len(keys) != 0 {
		var err error
		if selected, err = recorder.ParseMetrics(keys); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	rec := ctl.Recorder()
	v := windowView{
		Width:  width.Seconds(),
		Now:    rec.Snapshot().Duration.Seconds(),
		Series: make(map[string][][2]float64, len(selected)),
	}
	for _, m := range selected {
		samples := rec.Windowed(m, v.Width, v.Now)
		if len(samples) == 0 {
			continue
		}
		points := make([][2]float64, len(samples))
		for i, s := range samples {
			points[i] = [2]float64{s.Time, s.Value}
		}
		v.Series[m.String()] = points
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
