package state

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/escmeter/link"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/protocol"
	"github.com/temoto/escmeter/recorder"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			esc, err := c.EscConfig()
			require.NoError(t, err)
			assert.Equal(t, protocol.DefaultConfig(), esc)
			rotor, err := c.RotorSettings()
			require.NoError(t, err)
			assert.Equal(t, recorder.DefaultGeometrySettings(), rotor)
			assert.Equal(t, link.DefaultHeartbeatInterval, c.LinkOptions().HeartbeatInterval)
			assert.Equal(t, protocol.DefaultNamePrefixes(), c.BluezConfig().NamePrefixes)
			assert.Equal(t, protocol.ServiceUUID, c.BluezConfig().ServiceUUID)
			assert.True(t, c.Link.AutoReconnect)
			assert.Equal(t, DefaultWindowSec*time.Second, c.RecordWindow())
			assert.Equal(t, DefaultLivePath, c.Http.LivePath)
		}, ""},

		{"esc",
			`esc { mode = "dshot" esc_type = "bi" motor_poles = 12 ramp_up_enabled = false }`,
			func(t testing.TB, c *Config) {
				esc, err := c.EscConfig()
				require.NoError(t, err)
				assert.Equal(t, protocol.ModeDshot, esc.Mode)
				assert.Equal(t, protocol.EscBidirectional, esc.EscType)
				assert.Equal(t, uint8(12), esc.MotorPoles)
				assert.False(t, esc.RampUpEnabled)
				assert.True(t, esc.RampDownEnabled, "untouched key keeps default")
				assert.Equal(t, uint16(3200), esc.BatteryCutoffMv)
			}, ""},

		{"rotor",
			`rotor { diameter = 254 diameter_unit = "mm" moi = 1.5 moi_unit = "kg*cm2" tip_speed_unit = "km/h" gear_ratio = 2 }`,
			func(t testing.TB, c *Config) {
				gs, err := c.RotorSettings()
				require.NoError(t, err)
				assert.Equal(t, recorder.DiameterMM, gs.DiameterUnit)
				assert.Equal(t, recorder.MOIKgCM2, gs.MOIUnit)
				assert.Equal(t, recorder.TipSpeedKMH, gs.TipSpeedUnit)
				assert.Equal(t, 254.0, gs.Diameter)
				assert.Equal(t, 2.0, gs.GearRatio)
			}, ""},

		{"link",
			`link {
	adapter = "hci1"
	name_prefixes = ["Bench"]
	heartbeat_sec = 5
	connect_backoff_ms = 250
}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, []string{"Bench"}, c.BluezConfig().NamePrefixes)
				assert.Equal(t, "hci1", c.BluezConfig().Adapter)
				opt := c.LinkOptions()
				assert.Equal(t, 5*time.Second, opt.HeartbeatInterval)
				assert.Equal(t, 250*time.Millisecond, opt.ConnectBackoff)
			}, ""},

		{"tele",
			`tele { enable = true mqtt_broker = "tcp://localhost:1883" mqtt_client_id = "bench1" topic_prefix = "escmeter" }`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.Tele.Enabled)
				assert.Equal(t, "bench1", c.Tele.MqttClientId)
				assert.Equal(t, "escmeter", c.Tele.TopicPrefix)
			}, ""},

		{"include-normalize", `
esc { motor_poles = 12 }
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "poles-8" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 8, c.Esc.MotorPoles)
			}, ""},

		{"include-overwrites", `
esc { motor_poles = 12 }
include "poles-8" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 8, c.Esc.MotorPoles)
			}, ""},

		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-mode", `esc { mode = "turbo" }`, nil, "esc mode=turbo not valid"},
		{"error-poles", `esc { motor_poles = 7 }`, nil, "motor_poles=7 not valid"},
		{"error-unit", `rotor { tip_speed_unit = "knots" }`, nil, `tip speed unit="knots" not valid`},
		{"error-gear", `rotor { gear_ratio = 0 }`, nil, "gear"},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"poles-8":      "esc{motor_poles=8}",
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, mkCheck(c))
	}
}

func TestGlobalInit(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	fs := NewMockFullReader(map[string]string{
		"test-inline": `
esc { battery_cells = 6 }
persist { root = "` + t.TempDir() + `" }
record { throttle_interval_ms = 5 }`,
	})
	ctx, g := NewContext(log, nil)
	assert.Equal(t, g, GetGlobal(ctx))
	assert.Equal(t, log, log2.ContextValueLogger(ctx))
	tr := link.NewMockTransport()
	g.Transport = tr
	g.MustInit(ctx, MustReadConfig(log, fs, "test-inline"))
	defer g.Close()

	require.NotNil(t, g.Control)
	assert.False(t, g.Tele.Enabled())
	require.NoError(t, g.Control.Connect(ctx))
	id, dev := g.Control.Device()
	assert.Equal(t, uint8(6), dev.Config.BatteryCells)

	stored, err := g.Store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, dev.Name, stored.Name)
	require.NoError(t, g.Control.Shutdown(ctx))
}

func TestGetGlobalPanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { GetGlobal(context.Background()) })
	ctx := context.WithValue(context.Background(), ContextKey, "junk")
	assert.Panics(t, func() { GetGlobal(ctx) })
}

func TestReadSampleConfig(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	c, err := ReadConfig(log, NewOsFullReader(), "../../escmeter.hcl")
	require.NoError(t, err)
	assert.Equal(t, []string{"Power Meter", "ESC Meter"}, c.BluezConfig().NamePrefixes)
	rotor, err := c.RotorSettings()
	require.NoError(t, err)
	assert.Equal(t, recorder.MOIKgMM2, rotor.MOIUnit)
	esc, err := c.EscConfig()
	require.NoError(t, err)
	assert.Equal(t, protocol.DefaultConfig(), esc)
	assert.False(t, c.Tele.Enabled)
}
