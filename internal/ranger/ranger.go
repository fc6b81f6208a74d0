// Package ranger implements the Ranger agent described in spec.md §4.7: it
// reads its own target table, spawns one independent job per target, and
// reports check results back to the Watcher over Dracarys frames carried by
// a reconnecting knight.Knight client. The per-target job loop is grounded
// on the teacher's internal/health job.go ticker pattern; the check-mode
// dispatch and ring-buffer history are grounded on
// original_source/src/ranger.rs's watch_target and spec.md §4.7's mode
// table.
package ranger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/nightswatch/nightswatch/internal/codec"
	"github.com/nightswatch/nightswatch/internal/dracarys"
	"github.com/nightswatch/nightswatch/internal/knight"
	"github.com/nightswatch/nightswatch/internal/landing"
	"github.com/nightswatch/nightswatch/internal/ringbuf"
)

// historyLen is the ring buffer capacity per target (spec.md §4.7: "up to
// 50 recent health samples").
const historyLen = 50

// checkTimeout bounds how long a single check command may run before it is
// killed and treated as a failure.
const checkTimeout = 30 * time.Second

// Ranger owns the target table and the connection to a single Watcher.
type Ranger struct {
	targets []landing.Target
	logger  log.Logger

	mu      sync.Mutex
	history map[uint16]*ringbuf.Buffer
}

// New builds a Ranger from cfg.
func New(cfg landing.RangerConfig, logger log.Logger) *Ranger {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Ranger{
		targets: cfg.Targets,
		logger:  log.With(logger, "component", "ranger"),
		history: make(map[uint16]*ringbuf.Buffer),
	}
}

// Run connects to nightfortAddr and drives every target's check loop until
// ctx is cancelled. It never returns on its own (the reconnecting client
// retries forever), matching spec.md §5's "process exits when the tick loop
// exits (never, by design)".
func (r *Ranger) Run(ctx context.Context, nightfortAddr string) {
	w := newWine(r, len(r.targets))
	k := knight.New(nightfortAddr, w, r.logger)
	k.DrinkWine(ctx)
}

// wine adapts Ranger to knight.Wine: WakeUp starts one job goroutine per
// target (each emitting its own Target frame first) and returns the shared
// outgoing channel; Drink only logs, since the Watcher never pushes
// unsolicited frames to a Ranger.
type wine struct {
	r       *Ranger
	out     chan []byte
	started bool
	mu      sync.Mutex
}

func newWine(r *Ranger, bufSize int) *wine {
	if bufSize < 1 {
		bufSize = 1
	}
	return &wine{r: r, out: make(chan []byte, bufSize*4)}
}

func (w *wine) WakeUp() <-chan []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		w.started = true
		for id, t := range w.r.targets {
			go w.r.runTarget(uint16(id+1), t, w.out)
		}
	}
	return w.out
}

func (w *wine) Drink(f dracarys.Frame) {
	level.Debug(w.r.logger).Log("msg", "unexpected frame from watcher", "flag", f.Flag)
}

func (w *wine) TakeNap() {}

func (r *Ranger) runTarget(id uint16, t landing.Target, out chan<- []byte) {
	buf := r.bufferFor(id)

	extraJSON := "{}"
	if len(t.Extra) > 0 {
		if raw, err := json.Marshal(t.Extra); err == nil {
			extraJSON = string(raw)
		}
	}
	out <- dracarys.EncodeTarget(id, t.Paths, t.Name, extraJSON)

	interval := time.Duration(t.Interval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}

	var lastCheck time.Time
	for {
		sleepFor := interval - time.Since(lastCheck)
		if sleepFor > 0 {
			time.Sleep(sleepFor)
		}
		lastCheck = time.Now()

		health, metrics, err := runCheck(t.Watch, t.DefaultHealth)
		if err != nil {
			level.Error(r.logger).Log("msg", "check execution failed", "target", t.Name, "err", err)
			health = t.DefaultHealth
		}

		buf.Push(health)

		switch t.Watch.Type {
		case landing.WatchExit, landing.WatchOutput:
			out <- dracarys.EncodeReport(id, health)
		case landing.WatchMetrics:
			if len(metrics) > 0 {
				out <- dracarys.EncodeMetric(id, t.RelativeMetricPath, metrics)
			}
		case landing.WatchExitAndMetrics:
			out <- dracarys.EncodeReport(id, health)
			if len(metrics) > 0 {
				out <- dracarys.EncodeMetric(id, t.RelativeMetricPath, metrics)
			}
		}
	}
}

func (r *Ranger) bufferFor(id uint16) *ringbuf.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.history[id]
	if !ok {
		b = ringbuf.New(historyLen)
		r.history[id] = b
	}
	return b
}

// runCheck executes watch.Prog and interprets its result per the mode table
// in spec.md §4.7.
func runCheck(watch landing.Watch, defaultHealth uint8) (uint8, []dracarys.MetricSample, error) {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, watch.Prog, watch.Args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	runErr := cmd.Run()
	exitHealth := defaultHealth
	if runErr == nil {
		exitHealth = 100
	}

	out := stdout.Bytes()
	if len(out) > 100 {
		out = out[:100]
	}
	outputHealth := parseStdoutHealth(out, defaultHealth)

	var health uint8
	var metrics []dracarys.MetricSample

	switch watch.Type {
	case landing.WatchExit:
		health = exitHealth
	case landing.WatchOutput:
		health = outputHealth
	case landing.WatchMetrics:
		metrics = parseMetricLines(stdout.Bytes())
	case landing.WatchExitAndMetrics:
		health = exitHealth
		metrics = parseMetricLines(stdout.Bytes())
	default:
		health = defaultHealth
	}

	return health, metrics, runErr
}

func parseStdoutHealth(trimmed []byte, defaultHealth uint8) uint8 {
	s := strings.TrimSpace(string(trimmed))
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return defaultHealth
	}
	return uint8(v)
}

func parseMetricLines(output []byte) []dracarys.MetricSample {
	var samples []dracarys.MetricSample
	scanner := bufio.NewScanner(bytes.NewReader(output))
	now := codec.Now()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			continue
		}
		samples = append(samples, dracarys.MetricSample{
			Name:  strings.TrimSpace(parts[0]),
			Value: strings.TrimSpace(parts[1]),
			Time:  now,
		})
	}
	return samples
}
