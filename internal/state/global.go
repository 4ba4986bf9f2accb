package state

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/escmeter/control"
	"github.com/temoto/escmeter/helpers"
	"github.com/temoto/escmeter/helpers/actionlist"
	"github.com/temoto/escmeter/internal/devstore"
	"github.com/temoto/escmeter/internal/tele"
	"github.com/temoto/escmeter/link"
	"github.com/temoto/escmeter/link/bluez"
	"github.com/temoto/escmeter/log2"
	"github.com/temoto/escmeter/recorder"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log
	// Transport is set by caller or test before Init, nil means BlueZ.
	Transport link.Transport
	Link      *link.Link
	Recorder  *recorder.Recorder
	Store     devstore.Store
	Control   *control.Controller
	Tele      *tele.Uplink

	closers actionlist.List
}

const ContextKey = "run/state-global"

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

func NewContext(log *log2.Log, uplink *tele.Uplink) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	if uplink == nil {
		uplink = tele.New()
	}
	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
		Tele:  uplink,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg

	if g.Config.Persist.Root == "" {
		g.Log.Infof("config: persist.root=empty device settings are volatile")
	} else {
		g.Log.Debugf("config: persist.root=%s", g.Config.Persist.Root)
	}

	// Since tele is remote error reporting mechanism, it must be inited before anything else
	if g.Config.Tele.PersistPath == "" && g.Config.Persist.Root != "" {
		g.Config.Tele.PersistPath = filepath.Join(g.Config.Persist.Root, "tele")
	}
	g.Config.Tele.BuildVersion = g.BuildVersion
	if err := g.Tele.Init(ctx, g.Log, g.Config.Tele); err != nil {
		return errors.Annotate(err, "tele init")
	}
	if g.Tele.Enabled() {
		g.Log.SetErrorFunc(g.Tele.Error)
	}

	esc, err := cfg.EscConfig()
	if err != nil {
		return err
	}
	rotor, err := cfg.RotorSettings()
	if err != nil {
		return err
	}

	errs := make([]error, 0)
	g.Recorder, err = recorder.New(g.Log, recorder.Options{
		Epsilon:  helpers.IntMillisecondDefault(cfg.Record.EpsilonMs, recorder.DefaultEpsilon),
		Geometry: rotor,
	})
	if err != nil {
		errs = append(errs, errors.Annotate(err, "recorder"))
	}

	if g.Config.Persist.Root == "" {
		g.Store = devstore.NewMemoryStore()
	} else if g.Store, err = devstore.NewFileStore(g.Log, filepath.Join(g.Config.Persist.Root, "devices")); err != nil {
		errs = append(errs, errors.Annotate(err, "device store"))
		g.Store = devstore.NewMemoryStore()
	}

	if g.Transport == nil {
		bt, err := bluez.New(g.Log, cfg.BluezConfig())
		if err != nil {
			errs = append(errs, errors.Annotate(err, "bluez"))
			return helpers.FoldErrors(errs)
		}
		g.Transport = bt
		g.addCloser("bluez", bt)
	}
	linkLog := g.Log
	if cfg.Link.LogDebug {
		linkLog = g.Log.Clone(log2.LDebug)
	}
	g.Link = link.New(linkLog, g.Transport, cfg.LinkOptions())

	if g.Recorder != nil {
		g.Control = control.New(g.Log, g.Link, g.Recorder, g.Store, control.Options{
			ThrottleInterval: helpers.IntMillisecondDefault(cfg.Record.ThrottleIntervalMs, control.DefaultThrottleInterval),
			DefaultConfig:    esc,
			DefaultRotor:     rotor,
		})
		if g.Tele.Enabled() {
			g.Control.AddSink(g.Tele)
		}
	}

	return helpers.FoldErrors(errs)
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		// Errorf hook forwards to uplink
		g.Log.Errorf(errors.ErrorStack(err))
	}
}

func (g *Global) addCloser(tag string, c io.Closer) {
	g.closers.Append(func(context.Context) error { return c.Close() }, tag)
}

// Close releases device link, uplink and transport. Call after Control.Shutdown.
func (g *Global) Close() error {
	if g.Control != nil {
		g.Control.Close()
	}
	g.Tele.Close()
	errs := g.closers.Take().Do(context.Background())
	return helpers.FoldErrors(errs)
}
