// Package dispatcher implements the bounded fan-out described in
// spec.md §4.8: four buffered channels (metric, event, alert, snapshot) of
// chanBufferSize entries each, each drained by one long-running goroutine
// that publishes to an external bus. Absent a configured bus it falls back
// to logging only. The channels are bounded: senders never block, and a
// message sent while its channel is full is dropped and logged, as is one
// the bus rejects, so the tick loop can never stall on dispatch.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nightswatch/nightswatch/internal/alert"
	"github.com/nightswatch/nightswatch/internal/event"
	"github.com/nightswatch/nightswatch/internal/metric"
)

// Bus channel/key names. The "Nigths" misspelling is part of the wire
// compatibility surface (spec.md §6) and must not be corrected.
const (
	ChannelMetrics   = "NigthsWatchMetrics"
	ChannelEvents    = "NigthsWatchEvents"
	ChannelAlerts    = "NigthsWatchAlerts"
	ChannelSnapshots = "NigthsWatchSnapshots"
)

// snapshotHistoryLen is the number of snapshots retained in the bus list
// (spec.md §4.9 and the LPUSH+LTRIM end-to-end scenario in §8).
const snapshotHistoryLen = 10

const chanBufferSize = 1024

type metrics struct {
	published prometheus.Counter
	dropped   prometheus.Counter
}

func newMetrics(r prometheus.Registerer) *metrics {
	m := &metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nightswatch_dispatcher_published_total",
			Help: "Total number of messages published to the external bus.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nightswatch_dispatcher_dropped_total",
			Help: "Total number of messages dropped by the dispatcher.",
		}),
	}
	if r != nil {
		r.MustRegister(m.published, m.dropped)
	}
	return m
}

func (m *metrics) Unregister(r prometheus.Registerer) {
	if r == nil {
		return
	}
	r.Unregister(m.published)
	r.Unregister(m.dropped)
}

// Dispatcher owns the four channels and their drainer goroutines.
type Dispatcher struct {
	rdb        *redis.Client
	logger     log.Logger
	metrics    *metrics
	registerer prometheus.Registerer

	metricCh   chan metric.Metric
	eventCh    chan event.Event
	alertCh    chan alert.Alert
	snapshotCh chan []byte

	group  *errgroup.Group
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
}

// New creates a Dispatcher. If redisConn is empty, the dispatcher runs in
// local-log-only mode per spec.md §4.8.
func New(redisConn string, logger log.Logger, registerer prometheus.Registerer) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "component", "dispatcher")

	var rdb *redis.Client
	if redisConn != "" {
		opt, err := redis.ParseURL(redisConn)
		if err != nil {
			level.Error(logger).Log("msg", "invalid redis_publish connection string, falling back to local mode", "err", err)
		} else {
			rdb = redis.NewClient(opt)
		}
	}

	d := &Dispatcher{
		rdb:        rdb,
		logger:     logger,
		metrics:    newMetrics(registerer),
		registerer: registerer,
		metricCh:   make(chan metric.Metric, chanBufferSize),
		eventCh:    make(chan event.Event, chanBufferSize),
		alertCh:    make(chan alert.Alert, chanBufferSize),
		snapshotCh: make(chan []byte, chanBufferSize),
		done:       make(chan struct{}),
	}
	return d
}

// Start launches the four drainer goroutines. Stop, or cancelling ctx,
// shuts them down.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	d.group = g

	g.Go(func() error { d.drainMetrics(gctx); return nil })
	g.Go(func() error { d.drainEvents(gctx); return nil })
	g.Go(func() error { d.drainAlerts(gctx); return nil })
	g.Go(func() error { d.drainSnapshots(gctx); return nil })
}

// Stop cancels the drainer goroutines and waits for them to exit.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		if d.group != nil {
			_ = d.group.Wait()
		}
		if d.rdb != nil {
			_ = d.rdb.Close()
		}
		d.metrics.Unregister(d.registerer)
		close(d.done)
	})
}

// SendMetric enqueues m for publish, dropping it if the channel is full.
func (d *Dispatcher) SendMetric(m metric.Metric) {
	select {
	case d.metricCh <- m:
	default:
		d.metrics.dropped.Inc()
		level.Warn(d.logger).Log("msg", "dropped metric, channel full", "node_id", m.NodeID)
	}
}

// SendEvent enqueues e for publish, dropping it if the channel is full.
func (d *Dispatcher) SendEvent(e event.Event) {
	select {
	case d.eventCh <- e:
	default:
		d.metrics.dropped.Inc()
		level.Warn(d.logger).Log("msg", "dropped event, channel full", "node_id", e.NodeID)
	}
}

// SendAlert enqueues a for publish, dropping it if the channel is full.
func (d *Dispatcher) SendAlert(a alert.Alert) {
	select {
	case d.alertCh <- a:
	default:
		d.metrics.dropped.Inc()
		level.Warn(d.logger).Log("msg", "dropped alert, channel full", "node_id", a.NodeID)
	}
}

// SendSnapshot enqueues a pre-serialized snapshot document for publish.
func (d *Dispatcher) SendSnapshot(doc []byte) {
	select {
	case d.snapshotCh <- doc:
	default:
		d.metrics.dropped.Inc()
		level.Warn(d.logger).Log("msg", "dropped snapshot, channel full")
	}
}

// LatestSnapshot fetches the most recently pushed snapshot from the bus
// (LINDEX key 0), used to satisfy the operator channel's load_snapshot
// request. Returns nil, nil in local mode.
func (d *Dispatcher) LatestSnapshot(ctx context.Context) ([]byte, error) {
	if d.rdb == nil {
		return nil, nil
	}
	v, err := d.rdb.LIndex(ctx, ChannelSnapshots, 0).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return v, err
}

func (d *Dispatcher) drainMetrics(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-d.metricCh:
			payload, err := json.Marshal(m)
			if err != nil {
				level.Error(d.logger).Log("msg", "failed to marshal metric", "err", err)
				continue
			}
			d.publish(ctx, ChannelMetrics, payload, "metric")
		}
	}
}

func (d *Dispatcher) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.eventCh:
			payload, err := json.Marshal(e)
			if err != nil {
				level.Error(d.logger).Log("msg", "failed to marshal event", "err", err)
				continue
			}
			d.publish(ctx, ChannelEvents, payload, "event")
		}
	}
}

func (d *Dispatcher) drainAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.alertCh:
			payload, err := json.Marshal(a)
			if err != nil {
				level.Error(d.logger).Log("msg", "failed to marshal alert", "err", err)
				continue
			}
			d.publish(ctx, ChannelAlerts, payload, "alert")
		}
	}
}

func (d *Dispatcher) drainSnapshots(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case doc := <-d.snapshotCh:
			if d.rdb == nil {
				level.Info(d.logger).Log("msg", "snapshot (local mode)", "bytes", len(doc))
				continue
			}
			if err := d.rdb.LPush(ctx, ChannelSnapshots, doc).Err(); err != nil {
				level.Error(d.logger).Log("msg", "bus lpush failed", "err", err)
				continue
			}
			if err := d.rdb.LTrim(ctx, ChannelSnapshots, 0, snapshotHistoryLen-1).Err(); err != nil {
				level.Error(d.logger).Log("msg", "bus ltrim failed", "err", err)
				continue
			}
			d.metrics.published.Inc()
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, channel string, payload []byte, kind string) {
	if d.rdb == nil {
		level.Info(d.logger).Log("msg", kind+" (local mode)", "payload", string(payload))
		return
	}
	if err := d.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		level.Error(d.logger).Log("msg", "bus publish failed", "kind", kind, "err", err)
		return
	}
	d.metrics.published.Inc()
}
