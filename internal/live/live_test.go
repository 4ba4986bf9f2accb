package live_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/escmeter/control"
	"github.com/temoto/escmeter/internal/devstore"
	"github.com/temoto/escmeter/internal/live"
	"github.com/temoto/escmeter/link"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/protocol"
	"github.com/temoto/escmeter/recorder"
)

type tenv struct {
	t   testing.TB
	ctx context.Context
	tr  *link.MockTransport
	ctl *control.Controller
	hub *live.Hub
	srv *httptest.Server
}

func newEnv(t testing.TB) *tenv {
	log := log2.NewTest(t, log2.LDebug)
	tr := link.NewMockTransport()
	l := link.New(log, tr, link.Options{
		ConnectBackoff: time.Millisecond,
		NewTicker:      func(time.Duration) link.Ticker { return link.NewManualTicker() },
	})
	rec, err := recorder.New(log, recorder.Options{})
	require.NoError(t, err)
	ctl := control.New(log, l, rec, devstore.NewMemoryStore(), control.Options{})
	hub := live.NewHub(log, rec)
	hub.Start()
	ctl.AddSink(hub)
	srv := httptest.NewServer(live.NewHandler(log, hub, ctl, nil, live.DefaultRoutes()))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
		ctl.Close()
	})
	return &tenv{t: t, ctx: context.Background(), tr: tr, ctl: ctl, hub: hub, srv: srv}
}

func (e *tenv) dial() *websocket.Conn {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { conn.Close() })
	require.Eventually(e.t, func() bool { return e.hub.Stat().Clients == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t testing.TB, conn *websocket.Conn) map[string]interface{} {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestLiveEvents(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	conn := e.dial()

	require.NoError(t, e.ctl.Connect(e.ctx))
	ev := readEvent(t, conn)
	assert.Equal(t, live.EventLink, ev["type"])
	payload := ev["payload"].(map[string]interface{})
	assert.Equal(t, true, payload["connected"])
	assert.Equal(t, "Power Meter 1", payload["name"])

	frame := protocol.EncodeTelemetry(protocol.Telemetry{Variant: protocol.VariantBase, Voltage: 12, Current: 2.5})
	e.tr.Conn().Char(link.ChannelData).Notify(frame)
	// battery reading embedded in frame comes first
	ev = readEvent(t, conn)
	assert.Equal(t, live.EventBattery, ev["type"])
	ev = readEvent(t, conn)
	require.Equal(t, live.EventData, ev["type"])
	payload = ev["payload"].(map[string]interface{})
	values := payload["values"].(map[string]interface{})
	assert.Equal(t, 12.0, values["voltage"])
	assert.Equal(t, 30.0, values["power"])
	assert.Equal(t, "V", payload["units"].(map[string]interface{})["voltage"])

	e.tr.Conn().Char(link.ChannelSpecialResponse).Notify([]byte{1, 14, 0, 1})
	ev = readEvent(t, conn)
	assert.Equal(t, live.EventResponse, ev["type"])
	payload = ev["payload"].(map[string]interface{})
	assert.Equal(t, "info", payload["kind"])
	assert.Equal(t, 14.0, payload["firmware_version"])
}

func TestLiveHubStop(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	conn := e.dial()

	e.hub.Stop()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err=%v", err)
	assert.Equal(t, int32(0), e.hub.Stat().Clients)

	resp, err := http.Get(e.srv.URL + "/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// broadcast after stop must not block
	e.hub.OnLink(control.LinkEvent{})
}

func get(t testing.TB, url string) (int, http.Header, string) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header, string(b)
}

func TestExportHandler(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, e.ctl.Connect(e.ctx))

	code, _, _ := get(t, e.srv.URL+"/export?m=voltage")
	assert.Equal(t, http.StatusNotFound, code, "nothing recorded")
	code, _, _ = get(t, e.srv.URL+"/export?m=bogus")
	assert.Equal(t, http.StatusBadRequest, code)

	e.ctl.StartRecording()
	frame := protocol.EncodeTelemetry(protocol.Telemetry{Variant: protocol.VariantBase, Voltage: 12.5, Current: 1})
	e.tr.Conn().Char(link.ChannelData).Notify(frame)
	e.ctl.StopRecording()

	code, h, body := get(t, e.srv.URL+"/export?m=voltage&m=current")
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, h.Get("Content-Disposition"), "Power-Meter-1_")
	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Time (s),Voltage (V),Current (A)", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",12.500,1.000"), lines[1])
}

func TestStatusHandler(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, e.ctl.Connect(e.ctx))

	code, _, body := get(t, e.srv.URL+"/status")
	require.Equal(t, http.StatusOK, code)
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	assert.Equal(t, "Connected", v["link"])
	assert.Equal(t, "Power Meter 1", v["device_name"])
	assert.Equal(t, "pwm", v["mode"])
	assert.Equal(t, "NORMAL", v["battery"])
}

func TestWindowHandler(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, e.ctl.Connect(e.ctx))

	code, _, _ := get(t, e.srv.URL+"/window?m=bogus")
	assert.Equal(t, http.StatusBadRequest, code)

	e.ctl.StartRecording()
	frame := protocol.EncodeTelemetry(protocol.Telemetry{Variant: protocol.VariantBase, Voltage: 11, Current: 2})
	e.tr.Conn().Char(link.ChannelData).Notify(frame)
	e.ctl.StopRecording()

	code, _, body := get(t, e.srv.URL+"/window?m=voltage&m=motorRpm")
	require.Equal(t, http.StatusOK, code, body)
	var v struct {
		Width  float64
		Series map[string][][2]float64
	}
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	assert.Equal(t, float64(30), v.Width)
	require.Len(t, v.Series["voltage"], 1)
	assert.Equal(t, float64(11), v.Series["voltage"][0][1])
	assert.NotContains(t, v.Series, "motorRpm", "base frame has no rpm")
}
