// swapd - Bob's side of BTC/XMR atomic swaps
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mbd888/swapd/internal/config"
	"github.com/mbd888/swapd/internal/logging"
	"github.com/mbd888/swapd/internal/server"
	"github.com/mbd888/swapd/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	demo := flag.Bool("demo", false, "run one swap against an in-process counterparty over websocket and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting swapd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"network", cfg.Network,
	)
	server.Version = Version

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if *demo {
		if err := runDemo(ctx, cfg, logger); err != nil {
			logger.Error("demo swap failed", "error", err)
			os.Exit(1)
		}
		return
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// listen serves h on a loopback port and returns its websocket URL.
func listen(h http.Handler) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return "ws://" + ln.Addr().String(), func() { _ = srv.Close() }, nil
}
