// Daemon mode: keep the meter connected, serve live view and metrics, forward uplink.
package run

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/escmeter/cmd/escmeter/subcmd"
	"github.com/temoto/escmeter/control"
	"github.com/temoto/escmeter/helpers"
	"github.com/temoto/escmeter/internal/live"
	"github.com/temoto/escmeter/internal/metrics"
	"github.com/temoto/escmeter/internal/state"
	"github.com/temoto/escmeter/link"
)

const modName = "run"

const shutdownTimeout = 10 * time.Second

var Mod = subcmd.Mod{Name: modName, Usage: "connect and serve live view, metrics, export", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.Log.Debugf("config=%+v", g.Config)

	srv, err := Serve(ctx)
	if err != nil {
		return err
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigch
		g.Log.Infof("signal=%v shutting down", s)
		g.Alive.Stop()
	}()

	if err := g.Control.Connect(ctx); err != nil {
		g.Error(err, "initial connect")
		if srv.reconnect != nil {
			srv.reconnect.Kick()
		}
	}

	subcmd.SdNotify(g.Log, daemon.SdNotifyReady)
	g.Log.Infof("running version=%s http=%s", g.BuildVersion, srv.Addr())
	<-g.Alive.StopChan()
	subcmd.SdNotify(g.Log, "STOPPING=1")
	return srv.Shutdown()
}

// Server ties HTTP listener, live hub and reconnector to Global.
type Server struct {
	g         *state.Global
	hub       *live.Hub
	reconnect *control.Reconnector
	http      *http.Server
	ln        net.Listener
	done      chan error
}

// Serve starts live hub, metrics registry, optional reconnector and HTTP listener.
// Global must be initialized.
func Serve(ctx context.Context) (*Server, error) {
	g := state.GetGlobal(ctx)
	cfg := g.Config
	self := &Server{g: g, done: make(chan error, 1)}

	self.hub = live.NewHub(g.Log, g.Recorder)
	self.hub.Start()
	g.Control.AddSink(self.hub)

	if cfg.Link.AutoReconnect {
		min := helpers.IntMillisecondDefault(cfg.Link.ConnectBackoffMs, link.DefaultConnectBackoff)
		max := helpers.IntSecondDefault(cfg.Link.ReconnectMaxSec, state.DefaultReconnectMax)
		self.reconnect = control.NewReconnector(g.Log, g.Control, min, max)
		g.Control.AddSink(self.reconnect)
		self.reconnect.Start()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	var uplink = g.Tele
	if !uplink.Enabled() {
		uplink = nil
	}
	if err := metrics.Register(reg, g.Control, uplink, self.hub); err != nil {
		self.stop()
		return nil, errors.Annotate(err, "metrics")
	}

	routes := live.DefaultRoutes()
	routes.Live = cfg.Http.LivePath
	routes.Metrics = cfg.Http.MetricsPath
	routes.Export = cfg.Http.ExportPath
	routes.WindowWidth = cfg.RecordWindow()
	handler := live.NewHandler(g.Log, self.hub, g.Control, metrics.Handler(reg), routes)

	listen := cfg.Http.Listen
	if listen == "" {
		listen = state.DefaultHttpListen
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		self.stop()
		return nil, errors.Annotatef(err, "http listen=%s", listen)
	}
	self.ln = ln
	self.http = &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		err := self.http.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		self.done <- err
	}()
	return self, nil
}

func (self *Server) Addr() string {
	if self.ln == nil {
		return ""
	}
	return self.ln.Addr().String()
}

func (self *Server) stop() {
	if self.reconnect != nil {
		self.reconnect.Stop()
	}
	self.hub.Stop()
}

// Shutdown stops motor and recording, disconnects device, then releases Global.
func (self *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errs := make([]error, 0, 4)
	// reconnector must not race with intentional disconnect
	if self.reconnect != nil {
		self.reconnect.Stop()
	}
	if err := self.g.Control.Shutdown(ctx); err != nil {
		errs = append(errs, errors.Annotate(err, "control shutdown"))
	}
	if self.http != nil {
		if err := self.http.Shutdown(ctx); err != nil {
			errs = append(errs, errors.Annotate(err, "http shutdown"))
		}
		if err := <-self.done; err != nil {
			errs = append(errs, errors.Annotate(err, "http serve"))
		}
	}
	self.hub.Stop()
	if err := self.g.Close(); err != nil {
		errs = append(errs, err)
	}
	return helpers.FoldErrors(errs)
}
