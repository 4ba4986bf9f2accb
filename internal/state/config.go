package state

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/escmeter/helpers"
	tele_config "github.com/temoto/escmeter/internal/tele/config"
	"github.com/temoto/escmeter/link"
	"github.com/temoto/escmeter/link/bluez"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/protocol"
	"github.com/temoto/escmeter/recorder"
)

const (
	DefaultHttpListen  = "127.0.0.1:8280"
	DefaultLivePath    = "/live"
	DefaultMetricsPath = "/metrics"
	DefaultExportPath  = "/export"
	DefaultWindowSec   = 30

	DefaultReconnectMax = 30 * time.Second
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Link struct {
		Adapter          string   `hcl:"adapter"`
		NamePrefixes     []string `hcl:"name_prefixes"`
		ServiceUUID      string   `hcl:"service_uuid"`
		HeartbeatSec     int      `hcl:"heartbeat_sec"`
		ConnectAttempts  int      `hcl:"connect_attempts"`
		ConnectBackoffMs int      `hcl:"connect_backoff_ms"`
		WriteTimeoutMs   int      `hcl:"write_timeout_ms"`
		ScanTimeoutSec   int      `hcl:"scan_timeout_sec"`
		AutoReconnect    bool     `hcl:"auto_reconnect"`
		ReconnectMaxSec  int      `hcl:"reconnect_max_sec"`
		LogDebug         bool     `hcl:"log_debug"`
	}
	Esc struct { //nolint:maligned
		Mode                     string `hcl:"mode"`
		EscType                  string `hcl:"esc_type"`
		ThrottleMin              int    `hcl:"throttle_min"`
		ThrottleMax              int    `hcl:"throttle_max"`
		RampUpRate               int    `hcl:"ramp_up_rate"`
		RampDownRate             int    `hcl:"ramp_down_rate"`
		RampUpEnabled            bool   `hcl:"ramp_up_enabled"`
		RampDownEnabled          bool   `hcl:"ramp_down_enabled"`
		BatteryCells             int    `hcl:"battery_cells"`
		BatteryCutoffMv          int    `hcl:"battery_cutoff_mv"`
		BatteryWarningDeltaMv    int    `hcl:"battery_warning_delta_mv"`
		BatteryProtectionEnabled bool   `hcl:"battery_protection_enabled"`
		MotorPoles               int    `hcl:"motor_poles"`
	}
	Rotor struct {
		Diameter     float64 `hcl:"diameter"`
		DiameterUnit string  `hcl:"diameter_unit"`
		Moi          float64 `hcl:"moi"`
		MoiUnit      string  `hcl:"moi_unit"`
		GearRatio    float64 `hcl:"gear_ratio"`
		TipSpeedUnit string  `hcl:"tip_speed_unit"`
	}
	Record struct {
		WindowSec          int    `hcl:"window_sec"`
		EpsilonMs          int    `hcl:"epsilon_ms"`
		ExportDir          string `hcl:"export_dir"`
		ThrottleIntervalMs int    `hcl:"throttle_interval_ms"`
	}
	Persist struct {
		Root string `hcl:"root"`
	}
	Tele tele_config.Config
	Http struct {
		Listen      string `hcl:"listen"`
		LivePath    string `hcl:"live_path"`
		MetricsPath string `hcl:"metrics_path"`
		ExportPath  string `hcl:"export_path"`
	}

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// newConfig is prefilled with defaults, sources overwrite only keys they mention.
func newConfig() *Config {
	c := &Config{includeSeen: make(map[string]struct{})}
	c.Link.ServiceUUID = protocol.ServiceUUID
	c.Link.AutoReconnect = true

	esc := protocol.DefaultConfig()
	c.Esc.Mode = esc.Mode.String()
	c.Esc.EscType = esc.EscType.String()
	c.Esc.ThrottleMin = int(esc.ThrottleMin)
	c.Esc.ThrottleMax = int(esc.ThrottleMax)
	c.Esc.RampUpRate = int(esc.RampUpRate)
	c.Esc.RampDownRate = int(esc.RampDownRate)
	c.Esc.RampUpEnabled = esc.RampUpEnabled
	c.Esc.RampDownEnabled = esc.RampDownEnabled
	c.Esc.BatteryCells = int(esc.BatteryCells)
	c.Esc.BatteryCutoffMv = int(esc.BatteryCutoffMv)
	c.Esc.BatteryWarningDeltaMv = int(esc.BatteryWarningDeltaMv)
	c.Esc.BatteryProtectionEnabled = esc.BatteryProtectionEnabled
	c.Esc.MotorPoles = int(esc.MotorPoles)

	rotor := recorder.DefaultGeometrySettings()
	c.Rotor.Diameter = rotor.Diameter
	c.Rotor.DiameterUnit = string(rotor.DiameterUnit)
	c.Rotor.Moi = rotor.MOI
	c.Rotor.MoiUnit = string(rotor.MOIUnit)
	c.Rotor.GearRatio = rotor.GearRatio
	c.Rotor.TipSpeedUnit = string(rotor.TipSpeedUnit)

	c.Record.WindowSec = DefaultWindowSec
	c.Http.LivePath = DefaultLivePath
	c.Http.MetricsPath = DefaultMetricsPath
	c.Http.ExportPath = DefaultExportPath
	return c
}

func (c *Config) EscConfig() (protocol.Config, error) {
	var pc protocol.Config
	var err error
	if pc.Mode, err = protocol.ParseMode(c.Esc.Mode); err != nil {
		return pc, errors.Annotate(err, "esc.mode")
	}
	if pc.EscType, err = protocol.ParseEscType(c.Esc.EscType); err != nil {
		return pc, errors.Annotate(err, "esc.esc_type")
	}
	u16 := func(name string, v int, dst *uint16) {
		if err == nil && (v < 0 || v > 0xffff) {
			err = errors.NotValidf("esc.%s=%d", name, v)
		}
		*dst = uint16(v)
	}
	u16("throttle_min", c.Esc.ThrottleMin, &pc.ThrottleMin)
	u16("throttle_max", c.Esc.ThrottleMax, &pc.ThrottleMax)
	u16("ramp_up_rate", c.Esc.RampUpRate, &pc.RampUpRate)
	u16("ramp_down_rate", c.Esc.RampDownRate, &pc.RampDownRate)
	u16("battery_cutoff_mv", c.Esc.BatteryCutoffMv, &pc.BatteryCutoffMv)
	u16("battery_warning_delta_mv", c.Esc.BatteryWarningDeltaMv, &pc.BatteryWarningDeltaMv)
	if err != nil {
		return pc, err
	}
	if c.Esc.BatteryCells < 0 || c.Esc.BatteryCells > 0xff {
		return pc, errors.NotValidf("esc.battery_cells=%d", c.Esc.BatteryCells)
	}
	if c.Esc.MotorPoles < 0 || c.Esc.MotorPoles > 0xff {
		return pc, errors.NotValidf("esc.motor_poles=%d", c.Esc.MotorPoles)
	}
	pc.BatteryCells = uint8(c.Esc.BatteryCells)
	pc.MotorPoles = uint8(c.Esc.MotorPoles)
	pc.RampUpEnabled = c.Esc.RampUpEnabled
	pc.RampDownEnabled = c.Esc.RampDownEnabled
	pc.BatteryProtectionEnabled = c.Esc.BatteryProtectionEnabled
	if err = pc.Validate(); err != nil {
		return pc, errors.Annotate(err, "esc")
	}
	return pc, nil
}

func (c *Config) RotorSettings() (recorder.GeometrySettings, error) {
	gs := recorder.GeometrySettings{
		Diameter:  c.Rotor.Diameter,
		MOI:       c.Rotor.Moi,
		GearRatio: c.Rotor.GearRatio,
	}
	var err error
	if gs.DiameterUnit, err = recorder.ParseDiameterUnit(c.Rotor.DiameterUnit); err != nil {
		return gs, errors.Annotate(err, "rotor.diameter_unit")
	}
	if gs.MOIUnit, err = recorder.ParseMOIUnit(c.Rotor.MoiUnit); err != nil {
		return gs, errors.Annotate(err, "rotor.moi_unit")
	}
	if gs.TipSpeedUnit, err = recorder.ParseTipSpeedUnit(c.Rotor.TipSpeedUnit); err != nil {
		return gs, errors.Annotate(err, "rotor.tip_speed_unit")
	}
	if err = gs.Validate(); err != nil {
		return gs, errors.Annotate(err, "rotor")
	}
	return gs, nil
}

func (c *Config) LinkOptions() link.Options {
	return link.Options{
		HeartbeatInterval: helpers.IntSecondDefault(c.Link.HeartbeatSec, link.DefaultHeartbeatInterval),
		ConnectAttempts:   c.Link.ConnectAttempts,
		ConnectBackoff:    helpers.IntMillisecondDefault(c.Link.ConnectBackoffMs, link.DefaultConnectBackoff),
		WriteTimeout:      helpers.IntMillisecondDefault(c.Link.WriteTimeoutMs, link.DefaultWriteTimeout),
	}
}

// hcl appends to lists, so name_prefixes default is applied here
func (c *Config) BluezConfig() bluez.Config {
	prefixes := c.Link.NamePrefixes
	if len(prefixes) == 0 {
		prefixes = protocol.DefaultNamePrefixes()
	}
	return bluez.Config{
		Adapter:      c.Link.Adapter,
		NamePrefixes: prefixes,
		ServiceUUID:  c.Link.ServiceUUID,
		ScanTimeout:  helpers.IntSecondDefault(c.Link.ScanTimeoutSec, bluez.DefaultScanTimeout),
	}
}

func (c *Config) RecordWindow() time.Duration {
	return helpers.IntSecondDefault(c.Record.WindowSec, DefaultWindowSec*time.Second)
}

func (c *Config) validate() []error {
	errs := make([]error, 0)
	if _, err := c.EscConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RotorSettings(); err != nil {
		errs = append(errs, err)
	}
	if c.Link.ServiceUUID == "" {
		errs = append(errs, errors.NotValidf("link.service_uuid empty"))
	}
	if c.Record.EpsilonMs < 0 {
		errs = append(errs, errors.NotValidf("record.epsilon_ms=%d", c.Record.EpsilonMs))
	}
	return errs
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig merges sources in order, later values win.
// Enum strings are checked after all sources are read.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := newConfig()
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		errs = c.validate()
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
