package tele_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/transport"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/escmeter/control"
	"github.com/temoto/escmeter/internal/tele"
	tele_config "github.com/temoto/escmeter/internal/tele/config"
	"github.com/temoto/escmeter/link"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/protocol"
	"github.com/temoto/spq"
)

const testTimeout = 5 * time.Second

type published struct {
	kind    string
	payload []byte
}

func launchBroker(t testing.TB) string {
	server, err := transport.Launch("tcp://localhost:0")
	require.NoError(t, err)
	engine := broker.NewEngine(broker.NewMemoryBackend())
	engine.Accept(server)
	t.Cleanup(func() {
		_ = server.Close()
		engine.Close()
	})
	return "tcp://" + server.Addr().String()
}

// monitor subscribes to everything under prefix and reports publishes except online flag.
func monitor(t testing.TB, addr, prefix string) <-chan published {
	ch := make(chan published, 16)
	opt := mqtt.NewClientOptions().AddBroker(addr).SetClientID("monitor")
	c := mqtt.NewClient(opt)
	ct := c.Connect()
	require.True(t, ct.WaitTimeout(testTimeout))
	require.NoError(t, ct.Error())
	st := c.Subscribe(prefix+"/#", 1, func(_ mqtt.Client, msg mqtt.Message) {
		parts := strings.Split(msg.Topic(), "/")
		kind := parts[len(parts)-1]
		if kind == tele.KindOnline {
			return
		}
		ch <- published{kind: kind, payload: msg.Payload()}
	})
	require.True(t, st.WaitTimeout(testTimeout))
	require.NoError(t, st.Error())
	t.Cleanup(func() { c.Disconnect(100) })
	return ch
}

func receive(t testing.TB, ch <-chan published) published {
	select {
	case p := <-ch:
		return p
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for publish")
	}
	return published{}
}

func TestUplinkMqtt(t *testing.T) {
	t.Parallel()

	addr := launchBroker(t)
	mon := monitor(t, addr, "escmeter")
	// paho loggers are package globals and may outlive test
	log := log2.NewStderr(log2.LDebug)
	u := tele.New()
	cfg := tele_config.Config{
		Enabled:           true,
		MqttBroker:        addr,
		MqttClientId:      "bench1",
		TopicPrefix:       "escmeter",
		NetworkTimeoutSec: 2,
		TelemetryEverySec: 60,
		PersistPath:       spq.OnlyForTesting,
	}
	require.NoError(t, u.Init(context.Background(), log, cfg))
	defer u.Close()

	u.OnLink(control.LinkEvent{Connected: true, Session: "s1", Device: link.Device{Id: "AA:BB"}, Name: "Power Meter 1"})
	for i := 0; i < 3; i++ {
		u.OnTelemetry(protocol.Telemetry{Variant: protocol.VariantBase, Voltage: 16.5, Current: float32(i)})
	}
	u.OnBattery(control.BatteryEvent{Status: protocol.BatteryStatus{State: protocol.BatteryNormal, Voltage: 16}})
	u.OnBattery(control.BatteryEvent{
		Status:  protocol.BatteryStatus{State: protocol.BatteryWarning, Voltage: 13.2},
		Prev:    protocol.BatteryNormal,
		Changed: true,
	})

	p := receive(t, mon)
	require.Equal(t, tele.KindLink, p.kind)
	var le tele.LinkEvent
	require.NoError(t, proto.Unmarshal(p.payload, &le))
	assert.True(t, le.Connected)
	assert.Equal(t, "s1", le.Session)
	assert.Equal(t, "Power Meter 1", le.Name)

	p = receive(t, mon)
	require.Equal(t, tele.KindTelemetry, p.kind)
	var tm tele.Telemetry
	require.NoError(t, proto.Unmarshal(p.payload, &tm))
	assert.Equal(t, "s1", tm.Session)
	assert.Equal(t, "AA:BB", tm.Device)
	assert.Equal(t, float32(16.5), tm.Voltage)
	assert.Equal(t, float32(0), tm.Current, "first frame passes, rest decimated")

	p = receive(t, mon)
	require.Equal(t, tele.KindBattery, p.kind)
	var be tele.BatteryEvent
	require.NoError(t, proto.Unmarshal(p.payload, &be))
	assert.Equal(t, uint32(protocol.BatteryWarning), be.State)
	assert.Equal(t, uint32(protocol.BatteryNormal), be.Prev)

	s := u.Stat()
	assert.Equal(t, uint32(2), s.Decimated)
	assert.Equal(t, uint32(3), s.Queued)
	require.Eventually(t, func() bool { return u.Stat().Sent == 3 }, testTimeout, 10*time.Millisecond)
}

type mockTransport struct {
	mu    sync.Mutex
	fails int
	calls int
	got   []published
}

func (m *mockTransport) Init(context.Context, *log2.Log, tele_config.Config) error { return nil }
func (m *mockTransport) Close()                                                    {}

func (m *mockTransport) Publish(kind string, payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fails > 0 {
		m.fails--
		return false
	}
	m.got = append(m.got, published{kind: kind, payload: payload})
	return true
}

func (m *mockTransport) delivered() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.got...)
}

func TestUplinkRetry(t *testing.T) {
	t.Parallel()

	mt := &mockTransport{fails: 2}
	u := tele.NewWithTransporter(mt)
	cfg := tele_config.Config{Enabled: true, MqttClientId: "bench1", PersistPath: spq.OnlyForTesting}
	require.NoError(t, u.Init(context.Background(), log2.NewTest(t, log2.LDebug), cfg))
	defer u.Close()

	u.Error(errors.New("motor stall"))
	require.Eventually(t, func() bool { return len(mt.delivered()) == 1 }, testTimeout, 10*time.Millisecond)
	p := mt.delivered()[0]
	assert.Equal(t, tele.KindError, p.kind)
	var e tele.Error
	require.NoError(t, proto.Unmarshal(p.payload, &e))
	assert.Equal(t, "motor stall", e.Message)
	assert.Equal(t, uint32(2), u.Stat().Retry)
	assert.Equal(t, uint32(1), u.Stat().Sent)
}

func TestUplinkDisabled(t *testing.T) {
	t.Parallel()

	mt := &mockTransport{}
	u := tele.NewWithTransporter(mt)
	require.NoError(t, u.Init(context.Background(), log2.NewTest(t, log2.LDebug), tele_config.Config{}))
	assert.False(t, u.Enabled())
	u.OnTelemetry(protocol.Telemetry{Variant: protocol.VariantBase})
	u.OnLink(control.LinkEvent{Connected: true})
	u.Error(fmt.Errorf("ignored"))
	u.Close()
	assert.Equal(t, 0, mt.calls)
	assert.Equal(t, tele.Stat{}, u.Stat())
}

func TestUplinkInvalidConfig(t *testing.T) {
	t.Parallel()

	u := tele.New()
	err := u.Init(context.Background(), log2.NewTest(t, log2.LDebug), tele_config.Config{Enabled: true, PersistPath: spq.OnlyForTesting})
	assert.True(t, errors.IsNotValid(err), "mqtt_broker empty")
	assert.False(t, u.Enabled())
}

func TestTopic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "escmeter/bench1/telemetry", tele.Topic(tele_config.Config{TopicPrefix: "escmeter", MqttClientId: "bench1"}, tele.KindTelemetry))
	assert.Equal(t, "bench1/link", tele.Topic(tele_config.Config{MqttClientId: "bench1"}, tele.KindLink))
}
