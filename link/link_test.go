package link

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/escmeter/helpers"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/protocol"
)

type recorder struct {
	mu        sync.Mutex
	events    []string
	data      []protocol.Telemetry
	battery   []protocol.BatteryStatus
	conn      []bool
	responses []protocol.SpecialResponse
}

func (r *recorder) observers() Observers {
	return Observers{
		Data: func(t protocol.Telemetry) {
			r.mu.Lock()
			r.events = append(r.events, "data")
			r.data = append(r.data, t)
			r.mu.Unlock()
		},
		Battery: func(s protocol.BatteryStatus) {
			r.mu.Lock()
			r.events = append(r.events, "battery")
			r.battery = append(r.battery, s)
			r.mu.Unlock()
		},
		Connection: func(c bool) {
			r.mu.Lock()
			r.events = append(r.events, "connection")
			r.conn = append(r.conn, c)
			r.mu.Unlock()
		},
		SpecialResponse: func(sr protocol.SpecialResponse) {
			r.mu.Lock()
			r.events = append(r.events, "response")
			r.responses = append(r.responses, sr)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() (events []string, conn []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]bool(nil), r.conn...)
}

type env struct {
	link      *Link
	transport *MockTransport
	ticker    *ManualTicker
	rec       *recorder
}

func newEnv(t testing.TB) *env {
	e := &env{
		transport: NewMockTransport(),
		ticker:    NewManualTicker(),
		rec:       &recorder{},
	}
	e.link = New(log2.NewTest(t, log2.LDebug), e.transport, Options{
		ConnectBackoff: time.Millisecond,
		NewTicker:      func(time.Duration) Ticker { return e.ticker },
	})
	e.link.SetObservers(e.rec.observers())
	return e
}

func (e *env) connect(t testing.TB) *MockConn {
	require.NoError(t, e.link.Connect(context.Background()))
	require.Equal(t, StateConnected, e.link.State())
	return e.transport.Conn()
}

func TestConnectDisconnect(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	conn := e.connect(t)
	info, ok := e.link.Session()
	require.True(t, ok)
	assert.NotEmpty(t, info.Id)
	assert.True(t, info.Capabilities.Has(CapSpecialCommands))
	assert.Equal(t, "RC Power Meter 1", info.Device.Name)
	for _, ch := range []Channel{ChannelData, ChannelBattery, ChannelSpecialResponse} {
		assert.Equal(t, 1, conn.Char(ch).Listeners(), ch.String())
	}
	assert.Equal(t, 0, conn.Char(ChannelConfig).Listeners())
	assert.True(t, IsBusy(e.link.Connect(ctx)))

	// listeners must be gone before transport close
	conn.SetCloseHook(func(c *MockConn) {
		for ch := Channel(0); ch < channelCount; ch++ {
			assert.Equal(t, 0, c.Char(ch).Listeners(), "channel=%s listener leaked into close", ch)
		}
		assert.Equal(t, 0, c.DisconnectListeners())
		assert.Equal(t, StateDisconnecting, e.link.State())
	})
	require.NoError(t, e.link.Disconnect(ctx))
	assert.Equal(t, StateIdle, e.link.State())
	assert.True(t, conn.Closed())
	_, conns := e.rec.snapshot()
	assert.Equal(t, []bool{true}, conns)

	// tolerated from Idle
	assert.NoError(t, e.link.Disconnect(ctx))

	// reconnect gets fresh session
	e.connect(t)
	info2, _ := e.link.Session()
	assert.NotEqual(t, info.Id, info2.Id)
	assert.Equal(t, 0, conn.Char(ChannelData).Listeners())
	st := e.link.Stat()
	assert.Equal(t, uint32(2), st.Connect)
	assert.Equal(t, uint32(1), st.Disconnect)
}

func TestConnectRetry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	stale := helpers.NewTestError("already connected")
	e.transport.FailOpen(stale, stale)

	e.connect(t)
	opens, releases := e.transport.Counts()
	assert.Equal(t, 3, opens)
	assert.Equal(t, 2, releases)
	assert.Equal(t, uint32(2), e.link.Stat().ConnectRetry)
}

func TestConnectErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(*MockTransport)
		check func(testing.TB, error)
	}{
		{"select", func(m *MockTransport) {
			m.SetSelectError(helpers.NewTestError("no adapter"))
		}, func(t testing.TB, err error) {
			assert.True(t, IsTransportUnavailable(err), "err=%v", err)
		}},
		{"open-exhausted", func(m *MockTransport) {
			e := helpers.NewTestError("already connected")
			m.FailOpen(e, e, e, e)
		}, func(t testing.TB, err error) {
			assert.True(t, IsTransportUnavailable(err), "err=%v", err)
			assert.Contains(t, err.Error(), "already connected")
		}},
		{"missing-mandatory", func(m *MockTransport) {
			m.SetMissing(ChannelCommand)
		}, func(t testing.TB, err error) {
			assert.True(t, IsChannelMissing(err), "err=%v", err)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			c.setup(e.transport)
			err := e.link.Connect(context.Background())
			require.Error(t, err)
			c.check(t, err)
			assert.Equal(t, StateIdle, e.link.State())
			_, ok := e.link.Session()
			assert.False(t, ok)
			if conn := e.transport.Conn(); conn != nil {
				assert.True(t, conn.Closed())
				assert.Equal(t, 0, conn.DisconnectListeners())
				assert.Equal(t, 0, conn.Char(ChannelData).Listeners())
			}
			events, _ := e.rec.snapshot()
			assert.Empty(t, events)
		})
	}

	e := newEnv(t)
	e.transport.FailOpen(helpers.NewTestError("x"), helpers.NewTestError("x"), helpers.NewTestError("x"))
	require.Error(t, e.link.Connect(context.Background()))
	opens, releases := e.transport.Counts()
	assert.Equal(t, DefaultConnectAttempts, opens)
	assert.Equal(t, DefaultConnectAttempts, releases)
}

func TestDisconnectWhileConnecting(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	entered := make(chan struct{})
	e.transport.SetOpenHook(func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})

	errch := make(chan error, 1)
	go func() { errch <- e.link.Connect(context.Background()) }()
	<-entered
	assert.Equal(t, StateConnecting, e.link.State())
	require.NoError(t, e.link.Disconnect(context.Background()))
	// aborted attempt is cleaned up when Disconnect returns
	assert.Equal(t, StateIdle, e.link.State())

	select {
	case err := <-errch:
		assert.True(t, IsAborted(err), "err=%v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not abort")
	}
	events, _ := e.rec.snapshot()
	assert.Empty(t, events)
	opens, _ := e.transport.Counts()
	assert.Equal(t, 1, opens)

	e.transport.SetOpenHook(nil)
	require.NoError(t, e.link.Connect(context.Background()))
	assert.Equal(t, StateConnected, e.link.State())
	require.NoError(t, e.link.Disconnect(context.Background()))
}

func TestSendNotConnected(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	assert.True(t, IsNotConnected(e.link.SendConfig(ctx, protocol.DefaultConfig())))
	assert.True(t, IsNotConnected(e.link.SendCommand(ctx, protocol.Command{Code: protocol.CommandStart, Throttle: 10})))
	err := e.link.SendSpecialCommand(ctx, protocol.SpecialBeep1)
	assert.True(t, IsNotConnected(err))
	assert.False(t, IsUnsupported(err))
}

func TestSpecialUnsupported(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.transport.SetMissing(ChannelSpecialCommand, ChannelSpecialResponse)
	ctx := context.Background()
	conn := e.connect(t)

	info, _ := e.link.Session()
	assert.False(t, info.Capabilities.Has(CapSpecialCommands))
	err := e.link.SendSpecialCommand(ctx, protocol.SpecialBeep1)
	assert.True(t, IsUnsupported(err), "err=%v", err)
	assert.False(t, IsNotConnected(err))
	assert.False(t, IsWriteFailed(err))
	assert.Equal(t, uint32(0), e.link.Stat().Write)

	// base commands still work on older firmware
	require.NoError(t, e.link.SendCommand(ctx, protocol.Command{Code: protocol.CommandStart, Throttle: 5}))
	assert.Len(t, conn.Char(ChannelCommand).Writes(), 1)
}

func TestSends(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	conn := e.connect(t)

	cfg := protocol.DefaultConfig()
	require.NoError(t, e.link.SendConfig(ctx, cfg))
	expectCfg := protocol.EncodeConfig(cfg)
	assert.Equal(t, [][]byte{expectCfg[:]}, conn.Char(ChannelConfig).Writes())
	info, _ := e.link.Session()
	require.NotNil(t, info.LastConfig)
	assert.Equal(t, cfg, *info.LastConfig)
	assert.True(t, info.Heartbeat)

	cmd := protocol.Command{Code: protocol.CommandStart, Throttle: -12.5}
	require.NoError(t, e.link.SendCommand(ctx, cmd))
	expectCmd := protocol.EncodeCommand(cmd)
	assert.Equal(t, [][]byte{expectCmd[:]}, conn.Char(ChannelCommand).Writes())

	require.NoError(t, e.link.SendSpecialCommand(ctx, protocol.SpecialEscInfo))
	assert.Equal(t, [][]byte{{6}}, conn.Char(ChannelSpecialCommand).Writes())

	conn.Char(ChannelCommand).SetWriteError(helpers.NewTestError("gatt busy"))
	err := e.link.SendCommand(ctx, cmd)
	assert.True(t, IsWriteFailed(err), "err=%v", err)
	assert.Equal(t, StateConnected, e.link.State())
}

func TestDataPath(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	conn := e.connect(t)
	data := conn.Char(ChannelData)

	base := protocol.Telemetry{Variant: protocol.VariantBase, Voltage: 16.5, Current: 3, Throttle: 20, BatteryState: protocol.BatteryWarning}
	data.Notify(protocol.EncodeTelemetry(base))
	ext := protocol.Telemetry{Variant: protocol.VariantExtended, Voltage: 16.25, Current: 4, Throttle: 30, Rpm: 9000, BatteryState: protocol.BatteryNormal}
	data.Notify(protocol.EncodeTelemetry(ext))
	for _, n := range []int{0, 12, 14, 30, 32} {
		data.Notify(make([]byte, n))
	}
	bat := protocol.EncodeBatteryStatus(protocol.BatteryStatus{State: protocol.BatteryCutoff, Voltage: 12})
	conn.Char(ChannelBattery).Notify(bat[:])
	conn.Char(ChannelBattery).Notify([]byte{1})
	conn.Char(ChannelSpecialResponse).Notify(nil)
	conn.Char(ChannelSpecialResponse).Notify([]byte{1, 9, 0, 1})

	e.rec.mu.Lock()
	defer e.rec.mu.Unlock()
	assert.Equal(t, []string{"connection", "battery", "data", "battery", "data", "battery", "response"}, e.rec.events)
	assert.Equal(t, []protocol.Telemetry{base, ext}, e.rec.data)
	assert.Equal(t, []protocol.BatteryStatus{
		{State: protocol.BatteryWarning, Voltage: 16.5},
		{State: protocol.BatteryNormal, Voltage: 16.25},
		{State: protocol.BatteryCutoff, Voltage: 12},
	}, e.rec.battery)
	assert.Equal(t, []protocol.SpecialResponse{{Kind: protocol.ResponseInfo, FirmwareVersion: 9, Mode3D: true}}, e.rec.responses)

	st := e.link.Stat()
	assert.Equal(t, uint32(1), st.FrameBase)
	assert.Equal(t, uint32(1), st.FrameExtended)
	assert.Equal(t, uint32(6), st.FrameMalformed)
	assert.Equal(t, uint32(3), st.Battery)
	assert.Equal(t, uint32(1), st.Response)
}

func TestUnexpectedDisconnect(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	conn := e.connect(t)
	require.NoError(t, e.link.SendConfig(ctx, protocol.DefaultConfig()))

	e.link.mu.Lock()
	sess := e.link.session
	e.link.mu.Unlock()

	conn.Drop()
	conn.Drop()
	e.link.onTransportDisconnect(sess)

	assert.Equal(t, StateIdle, e.link.State())
	_, conns := e.rec.snapshot()
	assert.Equal(t, []bool{true, false}, conns)
	assert.Equal(t, uint32(1), e.link.Stat().Drop)
	assert.Equal(t, 0, conn.Char(ChannelData).Listeners())
	select {
	case <-sess.heartbeat.StopChan():
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat not stopped")
	}
	assert.True(t, IsNotConnected(e.link.SendCommand(ctx, protocol.Command{})))

	// late frames from dead session are ignored
	conn.Char(ChannelData).Notify(make([]byte, protocol.TelemetryBaseSize))
	e.link.onData(sess, make([]byte, protocol.TelemetryBaseSize))
	events, _ := e.rec.snapshot()
	assert.Equal(t, []string{"connection", "connection"}, events)

	e.connect(t)
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	conn := e.connect(t)
	cmd := conn.Char(ChannelCommand)
	ping := protocol.EncodeCommand(protocol.Ping())

	// not started until first config
	assert.False(t, e.ticker.Tick(20*time.Millisecond))
	require.NoError(t, e.link.SendConfig(ctx, protocol.DefaultConfig()))
	require.NoError(t, e.link.SendConfig(ctx, protocol.DefaultConfig()))

	require.True(t, e.ticker.Tick(time.Second))
	require.Eventually(t, func() bool { return len(cmd.Writes()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, ping[:], cmd.Writes()[0])

	// write failure is transient
	cmd.SetWriteError(helpers.NewTestError("gatt busy"))
	require.True(t, e.ticker.Tick(time.Second))
	require.Eventually(t, func() bool { return e.link.Stat().HeartbeatError == 1 }, time.Second, time.Millisecond)
	cmd.SetWriteError(nil)
	require.True(t, e.ticker.Tick(time.Second))
	require.Eventually(t, func() bool { return len(cmd.Writes()) == 2 }, time.Second, time.Millisecond)
	var info SessionInfo
	require.Eventually(t, func() bool {
		info, _ = e.link.Session()
		return !info.LastHeartbeatAck.IsZero()
	}, time.Second, time.Millisecond)
	assert.True(t, info.Heartbeat)
	assert.WithinDuration(t, time.Now(), info.LastHeartbeatAck, 5*time.Second, "wall clock time of last ping")
}

func TestHeartbeatStopsBeforeTeardown(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	conn := e.connect(t)
	cmd := conn.Char(ChannelCommand)
	require.NoError(t, e.link.SendConfig(ctx, protocol.DefaultConfig()))
	require.True(t, e.ticker.Tick(time.Second))
	require.Eventually(t, func() bool { return len(cmd.Writes()) == 1 }, time.Second, time.Millisecond)

	var teardownTick int32
	conn.SetCloseHook(func(*MockConn) {
		if e.ticker.Tick(50 * time.Millisecond) {
			atomic.StoreInt32(&teardownTick, 1)
		}
	})
	require.NoError(t, e.link.Disconnect(ctx))
	assert.Equal(t, int32(0), atomic.LoadInt32(&teardownTick), "heartbeat received tick during teardown")
	assert.False(t, e.ticker.Tick(50*time.Millisecond))
	assert.Len(t, cmd.Writes(), 1)
	assert.Equal(t, 0, cmd.WritesAfterClose())
}
