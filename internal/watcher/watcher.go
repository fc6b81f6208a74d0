// Package watcher implements the central aggregator described in spec.md
// §2/§4.3/§5: it owns the node store, every Application, the evaluation
// engine, the path lock and the dispatcher, and drives the periodic tick
// clock. Everything else in the system (Nightfort, the operator channel)
// reaches the graph only through the accessors exposed here.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nightswatch/nightswatch/internal/application"
	"github.com/nightswatch/nightswatch/internal/codec"
	"github.com/nightswatch/nightswatch/internal/dispatcher"
	"github.com/nightswatch/nightswatch/internal/eval"
	"github.com/nightswatch/nightswatch/internal/landing"
	"github.com/nightswatch/nightswatch/internal/node"
	"github.com/nightswatch/nightswatch/internal/pathlock"
	"github.com/nightswatch/nightswatch/internal/store"
)

// Watcher is the single authority over the node graph (see GLOSSARY in
// spec.md). There is exactly one per process, constructed in main.
type Watcher struct {
	mu   sync.RWMutex
	apps map[string]*application.Application

	store  *store.Store
	engine *eval.Engine
	locker *pathlock.Set
	disp   *dispatcher.Dispatcher

	tick         uint64
	tickInterval time.Duration
	ticking      bool

	logger     log.Logger
	registerer prometheus.Registerer

	stop chan struct{}
	done chan struct{}
}

// New builds a Watcher from cfg, parsing every declared application.
func New(cfg landing.WatcherConfig, logger log.Logger, registerer prometheus.Registerer) (*Watcher, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "component", "watcher")

	st := store.New()
	w := &Watcher{
		apps:         make(map[string]*application.Application),
		store:        st,
		engine:       eval.NewEngine(),
		locker:       pathlock.New(),
		disp:         dispatcher.New(cfg.RedisPublish, logger, registerer),
		tickInterval: time.Duration(cfg.WatcherTickInterval) * time.Second,
		logger:       logger,
		registerer:   registerer,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if w.tickInterval <= 0 {
		w.tickInterval = 10 * time.Second
	}

	for _, raw := range cfg.Applications {
		app, err := application.ParseTopology(st, codec.JSON(raw), logger)
		if err != nil {
			return nil, fmt.Errorf("watcher: %w", err)
		}
		w.apps[app.Name] = app
	}

	return w, nil
}

// Start launches the dispatcher drainers and the periodic tick clock.
func (w *Watcher) Start(ctx context.Context) {
	w.disp.Start(ctx)
	go w.tickLoop(ctx)
}

// Stop halts the tick clock and the dispatcher.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
	w.disp.Stop()
}

func (w *Watcher) tickLoop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.RunTick(codec.Now())
		}
	}
}

// RunTick drives every application through one Tick, in the manner of
// watcher.rs's tick(): bump the shared tick counter once, then hand every
// application the same tick/now pair.
func (w *Watcher) RunTick(now uint64) {
	w.mu.Lock()
	w.tick++
	tick := w.tick
	w.ticking = true
	apps := make([]*application.Application, 0, len(w.apps))
	for _, a := range w.apps {
		apps = append(apps, a)
	}
	w.mu.Unlock()

	for _, a := range apps {
		a.Tick(w.store, w.engine, w.disp, tick, now)
	}

	w.mu.Lock()
	w.ticking = false
	w.mu.Unlock()
}

// Store exposes the node store to collaborators (Nightfort, the operator
// channel) that need direct lookups.
func (w *Watcher) Store() *store.Store { return w.store }

// Locker exposes the path-set lock to Nightfort.
func (w *Watcher) Locker() *pathlock.Set { return w.locker }

// Dispatcher exposes the dispatcher; Nightfort forwards Metric frames
// through it.
func (w *Watcher) Dispatcher() *dispatcher.Dispatcher { return w.disp }

// AppByName returns the application registered under name.
func (w *Watcher) AppByName(name string) (*application.Application, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	a, ok := w.apps[name]
	return a, ok
}

// LocateNode resolves a dotted path to its node via the store's index.
func (w *Watcher) LocateNode(path string) (*node.Node, bool) {
	return w.store.GetWeak(path)
}

// LocateNodeWithPaths returns the first path in paths that currently
// resolves to a node, used by Nightfort to pick a Target frame's parent
// per the "paths have OR semantics" rule in spec.md §4.6.
func (w *Watcher) LocateNodeWithPaths(paths []string) (n *node.Node, path string, ok bool) {
	for _, p := range paths {
		if found, exists := w.store.GetWeak(p); exists {
			return found, p, true
		}
	}
	return nil, "", false
}

// AllocateLeaf creates a new leaf node under the node located at
// parentPath, attaches bidirectional edges, indexes its full path and
// marks the owning application dirty so the next tick re-initializes its
// traversal. appName is the leading path segment, e.g. "app1" for
// ".app1.svc".
func (w *Watcher) AllocateLeaf(parentPath string, leafName string, extra codec.JSON) (*node.Node, string, error) {
	parent, ok := w.store.GetWeak(parentPath)
	if !ok {
		return nil, "", fmt.Errorf("watcher: no node at path %s", parentPath)
	}

	appName := appNameFromPath(parentPath)
	app, ok := w.AppByName(appName)
	if !ok {
		return nil, "", fmt.Errorf("watcher: unknown application %s", appName)
	}

	leaf := w.store.AddLeafNode(leafName, extra)
	parent.AddChild(leaf)

	fullPath := parentPath + "." + leafName
	w.store.UpdateIndex(fullPath, leaf.ID)
	app.MarkDirty()

	return leaf, fullPath, nil
}

func appNameFromPath(path string) string {
	trimmed := strings.TrimPrefix(path, ".")
	if idx := strings.Index(trimmed, "."); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// DebugServer returns an http.Handler exposing Prometheus metrics and a
// JSON state dump, in the manner of the teacher's node/http.go debug
// surface.
func (w *Watcher) DebugServer() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/debug/state", w.handleStateDump)
	return r
}

func (w *Watcher) handleStateDump(rw http.ResponseWriter, r *http.Request) {
	doc := w.Snapshot()
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(doc); err != nil {
		level.Error(w.logger).Log("msg", "failed to encode state dump", "err", err)
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	}
}
