// Command rangerd runs a NightsWatch Ranger: it reads its own target
// table, connects to a Watcher's Nightfort listener, and reports target
// health on an interval, per spec.md §4.7.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/nightswatch/nightswatch/internal/landing"
	"github.com/nightswatch/nightswatch/internal/ranger"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	confPath := configPathFromArgs(os.Args[1:])
	level.Info(logger).Log("msg", "loading configuration", "path", confPath)

	cfg, err := landing.LoadRangerConfig(confPath)
	if err != nil {
		level.Error(logger).Log("msg", "failed to read config file", "err", err)
		os.Exit(1)
	}

	r := ranger.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		<-sig
		cancel()
	}()

	level.Info(logger).Log("msg", "connecting to nightfort", "addr", cfg.Nightfort)
	r.Run(ctx, cfg.Nightfort)
	level.Warn(logger).Log("msg", "this ranger is being destroyed")
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
