// Interactive console for bench sessions without web view.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/escmeter/cmd/escmeter/subcmd"
	"github.com/temoto/escmeter/helpers/cli"
	"github.com/temoto/escmeter/internal/state"
	"github.com/temoto/escmeter/protocol"
	"github.com/temoto/escmeter/recorder"
)

const modName = "console"

var Mod = subcmd.Mod{Name: modName, Usage: "interactive prompt, type help", Main: Main}

type command struct {
	name  string
	usage string
	f     func(ctx context.Context, g *state.Global, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"help", "list commands", doHelp},
		{"connect", "scan and connect meter", func(ctx context.Context, g *state.Global, _ []string) error {
			return g.Control.Connect(ctx)
		}},
		{"disconnect", "stop and disconnect meter", func(ctx context.Context, g *state.Global, _ []string) error {
			return g.Control.Shutdown(ctx)
		}},
		{"config", "[key=value...] show or change ESC config", doConfig},
		{"rotor", "[key=value...] show or change rotor geometry", doRotor},
		{"start", "start motor", func(ctx context.Context, g *state.Global, _ []string) error {
			return g.Control.Start(ctx)
		}},
		{"stop", "stop motor", func(ctx context.Context, g *state.Global, _ []string) error {
			return g.Control.Stop(ctx)
		}},
		{"esc", "connect|disconnect ESC power", doEsc},
		{"throttle", "<percent>", doThrottle},
		{"special", "<name|code> send special command", doSpecial},
		{"record", "start|stop", doRecord},
		{"export", "<file|dir|-> [metrics...] write CSV of recording", doExport},
		{"status", "show link, motor, battery, recording", doStatus},
		{"devices", "list known devices", doDevices},
		{"rename", "<name> rename connected device", func(ctx context.Context, g *state.Global, args []string) error {
			return g.Control.Rename(strings.Join(args, " "))
		}},
		{"forget", "<id> remove stored device", func(ctx context.Context, g *state.Global, args []string) error {
			if len(args) != 1 {
				return errors.NotValidf("usage: forget <id>")
			}
			return g.Control.Store().Remove(args[0])
		}},
	}
}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.Log.Debugf("config=%+v", g.Config)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		s := <-sigch
		g.Log.Infof("signal=%v", s)
		finish(g)
		os.Exit(1)
	}()

	err := cli.MainLoop("escmeter", newExecutor(ctx), cli.Suggest(suggests()))
	finish(g)
	return err
}

// finish stops motor, disconnects and releases Global.
func finish(g *state.Global) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.Control.Shutdown(ctx); err != nil {
		g.Log.Error(err)
	}
	if err := g.Close(); err != nil {
		g.Log.Error(err)
	}
}

func suggests() []prompt.Suggest {
	ss := make([]prompt.Suggest, len(commands))
	for i, c := range commands {
		ss[i] = prompt.Suggest{Text: c.name, Description: c.usage}
	}
	return ss
}

func newExecutor(ctx context.Context) func(string) {
	g := state.GetGlobal(ctx)
	return func(line string) {
		tbegin := time.Now()
		err := execute(ctx, line)
		if !g.Alive.IsRunning() {
			// go-prompt has no way to leave Run
			finish(g)
			os.Exit(0)
		}
		if err != nil {
			g.Log.Errorf(errors.ErrorStack(err))
			return
		}
		g.Log.Debugf("duration=%v", time.Since(tbegin))
	}
}

func execute(ctx context.Context, line string) error {
	g := state.GetGlobal(ctx)
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	if words[0] == "exit" || words[0] == "quit" {
		g.Alive.Stop()
		return nil
	}
	for _, c := range commands {
		if c.name == words[0] {
			return errors.Annotate(c.f(ctx, g, words[1:]), c.name)
		}
	}
	return errors.NotFoundf("command=%s, try help", words[0])
}

func doHelp(ctx context.Context, g *state.Global, _ []string) error {
	var b strings.Builder
	for _, c := range commands {
		fmt.Fprintf(&b, "\n  %-10s %s", c.name, c.usage)
	}
	g.Log.Infof("commands:%s", b.String())
	return nil
}

func parseKV(args []string, fn func(key, value string) error) error {
	for _, a := range args {
		parts := strings.SplitN(a, "=", 2)
		if len(parts) != 2 {
			return errors.NotValidf("expected key=value, got %s", a)
		}
		if err := fn(parts[0], parts[1]); err != nil {
			return errors.Annotate(err, parts[0])
		}
	}
	return nil
}

func parseUint(s string, bits int) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, bits)
	return n, errors.Annotate(err, "number")
}

func setConfigKey(c *protocol.Config, key, value string) error {
	var err error
	var n uint64
	switch key {
	case "mode":
		c.Mode, err = protocol.ParseMode(value)
	case "esc_type":
		c.EscType, err = protocol.ParseEscType(value)
	case "throttle_min", "throttle_max", "ramp_up_rate", "ramp_down_rate", "battery_cutoff_mv", "battery_warning_delta_mv":
		if n, err = parseUint(value, 16); err != nil {
			return err
		}
		switch key {
		case "throttle_min":
			c.ThrottleMin = uint16(n)
		case "throttle_max":
			c.ThrottleMax = uint16(n)
		case "ramp_up_rate":
			c.RampUpRate = uint16(n)
		case "ramp_down_rate":
			c.RampDownRate = uint16(n)
		case "battery_cutoff_mv":
			c.BatteryCutoffMv = uint16(n)
		case "battery_warning_delta_mv":
			c.BatteryWarningDeltaMv = uint16(n)
		}
	case "battery_cells", "motor_poles":
		if n, err = parseUint(value, 8); err != nil {
			return err
		}
		if key == "battery_cells" {
			c.BatteryCells = uint8(n)
		} else {
			c.MotorPoles = uint8(n)
		}
	case "ramp_up_enabled", "ramp_down_enabled", "battery_protection_enabled":
		var b bool
		if b, err = strconv.ParseBool(value); err != nil {
			return errors.Annotate(err, "bool")
		}
		switch key {
		case "ramp_up_enabled":
			c.RampUpEnabled = b
		case "ramp_down_enabled":
			c.RampDownEnabled = b
		case "battery_protection_enabled":
			c.BatteryProtectionEnabled = b
		}
	default:
		return errors.NotFoundf("config key")
	}
	return err
}

func doConfig(ctx context.Context, g *state.Global, args []string) error {
	_, dev := g.Control.Device()
	c := dev.Config
	if len(args) == 0 {
		return showJSON(g, "config", c)
	}
	if err := parseKV(args, func(k, v string) error { return setConfigKey(&c, k, v) }); err != nil {
		return err
	}
	return g.Control.SetConfig(ctx, c)
}

func setRotorKey(gs *recorder.GeometrySettings, key, value string) error {
	var err error
	switch key {
	case "diameter":
		gs.Diameter, err = strconv.ParseFloat(value, 64)
	case "diameter_unit":
		gs.DiameterUnit, err = recorder.ParseDiameterUnit(value)
	case "moi":
		gs.MOI, err = strconv.ParseFloat(value, 64)
	case "moi_unit":
		gs.MOIUnit, err = recorder.ParseMOIUnit(value)
	case "gear_ratio":
		gs.GearRatio, err = strconv.ParseFloat(value, 64)
	case "tip_speed_unit":
		gs.TipSpeedUnit, err = recorder.ParseTipSpeedUnit(value)
	default:
		return errors.NotFoundf("rotor key")
	}
	return err
}

func doRotor(ctx context.Context, g *state.Global, args []string) error {
	gs := g.Recorder.GeometrySettings()
	if len(args) == 0 {
		return showJSON(g, "rotor", gs)
	}
	if err := parseKV(args, func(k, v string) error { return setRotorKey(&gs, k, v) }); err != nil {
		return err
	}
	return g.Control.SetRotor(gs)
}

func doEsc(ctx context.Context, g *state.Global, args []string) error {
	switch strings.Join(args, " ") {
	case "connect":
		return g.Control.ConnectESC(ctx)
	case "disconnect":
		return g.Control.DisconnectESC(ctx)
	}
	return errors.NotValidf("usage: esc connect|disconnect")
}

func doThrottle(ctx context.Context, g *state.Global, args []string) error {
	if len(args) != 1 {
		return errors.NotValidf("usage: throttle <percent>")
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(args[0], "%"), 32)
	if err != nil {
		return errors.Annotate(err, "percent")
	}
	applied := g.Control.SetThrottle(float32(v))
	g.Log.Infof("throttle=%.1f%%", applied)
	return nil
}

func doSpecial(ctx context.Context, g *state.Global, args []string) error {
	if len(args) != 1 {
		return errors.NotValidf("usage: special <name|code>")
	}
	code, err := protocol.ParseSpecialCommand(args[0])
	if err != nil {
		return err
	}
	return g.Control.Special(ctx, code)
}

func doRecord(ctx context.Context, g *state.Global, args []string) error {
	switch strings.Join(args, " ") {
	case "start":
		g.Control.StartRecording()
	case "stop":
		g.Control.StopRecording()
		snap := g.Recorder.Snapshot()
		g.Log.Infof("recorded samples=%d duration=%v", snap.Samples, snap.Duration)
	default:
		return errors.NotValidf("usage: record start|stop")
	}
	return nil
}

// exportPath "-" or directory means generated file name.
func exportPath(g *state.Global, arg string) string {
	_, dev := g.Control.Device()
	name := dev.Name
	if name == "" {
		name = "escmeter"
	}
	generated := recorder.ExportFilename(name, time.Now())
	if arg == "-" {
		return filepath.Join(g.Config.Record.ExportDir, generated)
	}
	if fi, err := os.Stat(arg); err == nil && fi.IsDir() {
		return filepath.Join(arg, generated)
	}
	return arg
}

func doExport(ctx context.Context, g *state.Global, args []string) error {
	if len(args) == 0 {
		return errors.NotValidf("usage: export <file|dir|-> [metrics...]")
	}
	selected := recorder.AllMetrics()
	if len(args) > 1 {
		var err error
		if selected, err = recorder.ParseMetrics(args[1:]); err != nil {
			return err
		}
	}
	path := exportPath(g, args[0])
	f, err := os.Create(path)
	if err != nil {
		return errors.Annotate(err, "export")
	}
	err = g.Recorder.WriteCSV(f, selected)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	g.Log.Infof("exported %s", path)
	return nil
}

func doStatus(ctx context.Context, g *state.Global, _ []string) error {
	s := g.Control.Status()
	g.Log.Infof("link=%s device=%s (%s) session=%s", s.Link, s.DeviceName, s.DeviceId, s.Session)
	g.Log.Infof("mode=%s esc_type=%s esc=%t running=%t throttle=%.1f%%",
		s.Config.Mode, s.Config.EscType, s.EscConnected, s.Running, s.Throttle)
	g.Log.Infof("battery=%s voltage=%.2f", s.BatteryState, s.Battery.Voltage)
	g.Log.Infof("recording=%t samples=%d duration=%v", s.Recording.Recording, s.Recording.Samples, s.Recording.Duration)
	if g.Tele.Enabled() {
		g.Log.Infof("tele %+v", g.Tele.Stat())
	}
	return nil
}

func doDevices(ctx context.Context, g *state.Global, _ []string) error {
	entries, err := g.Control.Store().All()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		g.Log.Infof("no known devices")
	}
	for _, e := range entries {
		last := "never"
		if !e.LastConnected.IsZero() {
			last = e.LastConnected.Format(time.RFC3339)
		}
		g.Log.Infof("%s %q mode=%s last=%s", e.Id, e.Name, e.Config.Mode, last)
	}
	return nil
}

func showJSON(g *state.Global, tag string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Annotate(err, tag)
	}
	g.Log.Infof("%s %s", tag, b)
	return nil
}
