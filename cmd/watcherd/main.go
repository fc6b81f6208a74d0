// Command watcherd runs the NightsWatch Watcher: it owns the node graph,
// evaluates every application on a tick, and exposes the Nightfort and
// Maester listeners described in spec.md §6.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nightswatch/nightswatch/internal/landing"
	"github.com/nightswatch/nightswatch/internal/maester"
	"github.com/nightswatch/nightswatch/internal/nightfort"
	"github.com/nightswatch/nightswatch/internal/watcher"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	confPath := configPathFromArgs(os.Args[1:])
	level.Info(logger).Log("msg", "loading configuration", "path", confPath)

	cfg, err := landing.LoadWatcherConfig(confPath)
	if err != nil {
		level.Error(logger).Log("msg", "failed to read config file", "err", err)
		os.Exit(1)
	}

	registerer := prometheus.DefaultRegisterer
	w, err := watcher.New(cfg, logger, registerer)
	if err != nil {
		level.Error(logger).Log("msg", "failed to build watcher", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	nfBind := cfg.NightfortListenBind
	if nfBind == "" {
		nfBind = "0.0.0.0:6000"
	}
	nf := nightfort.New(nfBind, w, logger)
	go func() {
		if err := nf.ListenAndServe(ctx); err != nil {
			level.Error(logger).Log("msg", "nightfort listener exited", "err", err)
		}
	}()

	if cfg.MaesterListenBind != "" {
		hub := maester.NewHub(w, logger)
		go hub.Run(ctx)
		go func() {
			if err := http.ListenAndServe(cfg.MaesterListenBind, hub); err != nil {
				level.Error(logger).Log("msg", "maester listener exited", "err", err)
			}
		}()
	}

	if cfg.DebugListenBind != "" {
		go func() {
			if err := http.ListenAndServe(cfg.DebugListenBind, w.DebugServer()); err != nil {
				level.Debug(logger).Log("msg", "debug server exited", "err", err)
			}
		}()
	}

	level.Info(logger).Log("msg", "now serving", "nightfort", nfBind)
	waitForSignal()
}

// configPathFromArgs implements the "-c<path>" (no space) CLI convention
// from spec.md §6, matching castle-black.rs/agent.rs's manual arg scan.
func configPathFromArgs(args []string) string {
	for _, arg := range args {
		if len(arg) > 2 && arg[:2] == "-c" {
			return arg[2:]
		}
	}
	return "./config.json"
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
}
