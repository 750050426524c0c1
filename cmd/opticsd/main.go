// Command opticsd polls every optics shared-memory region on the host and
// forwards the metrics to the configured backends.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/optics/cmd/opticsd/app"
)

var cli struct {
	DumpStdout     bool   `name:"dump-stdout" help:"Dump metrics to stdout."`
	DumpCarbon     string `name:"dump-carbon" placeholder:"HOST[:PORT]" help:"Dump metrics to the given carbon host (default port 2003)."`
	DumpPrometheus bool   `name:"dump-prometheus" help:"Serve a Prometheus exposition on /metrics/prometheus."`
	DumpRest       bool   `name:"dump-rest" help:"Serve a JSON document on /metrics/json."`

	Freq       int    `name:"freq" help:"Number of seconds between polls [10]."`
	HTTPListen string `name:"http-listen-address" help:"Embedded server bind address [:7080]."`
	Config     string `name:"config" type:"existingfile" optional:"" help:"Optional YAML config file; flags take precedence."`

	LogLevel string `name:"log-level" default:"info" enum:"debug,info,warn,error" help:"Log level."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("opticsd"),
		kong.Description("Polls optics shared-memory regions and dumps the metrics to backends."),
		kong.UsageOnError(),
	)

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.Allow(level.ParseDefault(cli.LogLevel, level.InfoValue())))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	cfg := app.DefaultConfig()
	if cli.Config != "" {
		if err := cfg.LoadFile(cli.Config); err != nil {
			fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
			os.Exit(1)
		}
	}

	applyFlags(&cfg)

	a, err := app.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		ctx.PrintUsage(false)
		os.Exit(1)
	}

	if err := a.Run(); err != nil {
		level.Error(logger).Log("msg", "daemon failed", "err", err)
		os.Exit(1)
	}
}

// applyFlags overlays flags the user set onto the config, so a config file
// never wins against the command line.
func applyFlags(cfg *app.Config) {
	if cli.DumpStdout {
		cfg.DumpStdout = true
	}
	if cli.DumpCarbon != "" {
		cfg.DumpCarbon = cli.DumpCarbon
	}
	if cli.DumpPrometheus {
		cfg.DumpPrometheus = true
	}
	if cli.DumpRest {
		cfg.DumpRest = true
	}
	if cli.Freq > 0 {
		cfg.Freq = cli.Freq
	}
	if cli.HTTPListen != "" {
		cfg.HTTPListenAddr = cli.HTTPListen
	}
}
