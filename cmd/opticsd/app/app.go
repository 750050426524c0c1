// Package app wires the optics poller, its backends and the embedded HTTP
// server into the opticsd daemon.
package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/optics"
	"github.com/grafana/optics/backend/carbon"
	"github.com/grafana/optics/backend/prometheus"
	"github.com/grafana/optics/backend/rest"
	"github.com/grafana/optics/backend/stdout"
)

// App is a configured daemon ready to run.
type App struct {
	cfg    Config
	logger log.Logger

	poller *optics.Poller
	server *http.Server
}

// New builds the poller, registers the configured backends and sets up the
// embedded server when a scrape backend needs it; Run binds it.
func New(cfg Config, logger log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		poller: optics.NewPoller(logger),
	}

	if cfg.DumpStdout {
		if err := stdout.Register(a.poller, os.Stdout); err != nil {
			return nil, err
		}
	}

	if cfg.DumpCarbon != "" {
		host, port := splitHostPort(cfg.DumpCarbon)
		if err := carbon.Register(a.poller, logger, host, port); err != nil {
			return nil, err
		}
	}

	if cfg.DumpPrometheus || cfg.DumpRest {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.Handler())

		if cfg.DumpPrometheus {
			if _, err := prometheus.Register(a.poller, router, logger); err != nil {
				return nil, err
			}
		}
		if cfg.DumpRest {
			if _, err := rest.Register(a.poller, router, logger); err != nil {
				return nil, err
			}
		}

		a.server = &http.Server{Addr: cfg.HTTPListenAddr, Handler: router}
	}

	return a, nil
}

// splitHostPort splits a host[:port] argument, defaulting the port.
func splitHostPort(arg string) (host, port string) {
	if i := strings.LastIndex(arg, ":"); i >= 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, carbon.DefaultPort
}

// Run polls until SIGINT or SIGTERM, then shuts down cleanly.
func (a *App) Run() error {
	defer a.poller.Free()

	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			return errors.Wrapf(err, "unable to bind '%s'", a.server.Addr)
		}

		go func() {
			if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
				level.Error(a.logger).Log("msg", "http server failed", "err", err)
			}
		}()
		level.Info(a.logger).Log("msg", "embedded server listening", "addr", a.server.Addr)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	thread := optics.StartThread(a.poller, time.Duration(a.cfg.Freq)*time.Second)
	level.Info(a.logger).Log("msg", "polling started", "freq_seconds", a.cfg.Freq)

	sig := <-stop
	level.Info(a.logger).Log("msg", "shutting down", "signal", sig.String())

	thread.Stop()

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			level.Warn(a.logger).Log("msg", "http shutdown failed", "err", err)
		}
	}

	return nil
}
