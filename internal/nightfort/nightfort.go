// Package nightfort implements the Watcher-side Ranger handler from
// spec.md §4.6: a TCP listener plus one state machine per accepted
// connection, each holding a local id -> Node table ("cold hands") of the
// leaves that connection has claimed.
package nightfort

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/nightswatch/nightswatch/internal/codec"
	"github.com/nightswatch/nightswatch/internal/dracarys"
	"github.com/nightswatch/nightswatch/internal/metric"
	"github.com/nightswatch/nightswatch/internal/node"
	"github.com/nightswatch/nightswatch/internal/watcher"
)

// lockRetry is the sleep pathlock.Set.TryGetLocked waits between its first
// failed lock attempt and its second one; handleTarget re-locates the leaf
// after either outcome.
const lockRetry = 200 * time.Millisecond

// readChunk is how many bytes Server reads from the socket at a time when
// the decoder reports it needs more.
const readChunk = 4096

// Server listens for Ranger connections and runs the per-connection state
// machine described in spec.md §4.6.
type Server struct {
	bind string
	w    *watcher.Watcher

	logger log.Logger
}

// New creates a Server bound to bind, backed by w.
func New(bind string, w *watcher.Watcher, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{bind: bind, w: w, logger: log.With(logger, "component", "nightfort")}
}

// ListenAndServe accepts connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "listening", "addr", s.bind)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				level.Error(s.logger).Log("msg", "accept failed", "err", err)
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// connState is one accepted connection's claimed-leaf table, keyed by the
// Ranger's local frame ID.
type connState struct {
	coldHands map[uint16]*node.Node
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	logger := log.With(s.logger, "remote", conn.RemoteAddr().String())

	cs := &connState{coldHands: make(map[uint16]*node.Node)}
	buf := make([]byte, 0, readChunk)
	tmp := make([]byte, readChunk)

	for {
		f, consumed, err := dracarys.Decode(buf)
		switch err {
		case nil:
			buf = buf[consumed:]
			s.dispatch(logger, cs, f)
			continue
		case dracarys.ErrNeedMore:
			// fall through to read more off the wire
		default:
			level.Warn(logger).Log("msg", "frame decode failed, closing connection", "err", err)
			return
		}

		n, readErr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if readErr != nil {
			level.Debug(logger).Log("msg", "connection closed", "err", readErr)
			return
		}
	}
}

func (s *Server) dispatch(logger log.Logger, cs *connState, f dracarys.Frame) {
	switch f.Flag {
	case dracarys.FlagTarget:
		s.handleTarget(logger, cs, f)
	case dracarys.FlagReport:
		s.handleReport(logger, cs, f)
	case dracarys.FlagMessage:
		level.Info(logger).Log("msg", "message", "id", f.ID, "data", f.Data)
	case dracarys.FlagMetric:
		s.handleMetric(logger, cs, f)
	}
}

// handleTarget implements the double-checked path-lock allocation from
// spec.md §4.6: adopt an already-existing leaf if one of the candidate
// paths already resolves, otherwise lock every candidate path, re-check,
// and allocate under the first parent that still resolves.
func (s *Server) handleTarget(logger log.Logger, cs *connState, f dracarys.Frame) {
	if _, _, ok := s.w.LocateNodeWithPaths(f.Paths); !ok {
		level.Debug(logger).Log("msg", "target dropped, no parent resolves yet", "name", f.Name)
		return
	}

	lockPaths := make([]string, len(f.Paths))
	for i, p := range f.Paths {
		lockPaths[i] = p + "." + f.Name
	}

	if leaf, _, ok := s.w.LocateNodeWithPaths(lockPaths); ok {
		cs.coldHands[f.ID] = leaf
		return
	}

	locked, failedPath := s.w.Locker().TryGetLocked(lockPaths, lockRetry)
	if !locked {
		if leaf, _, ok := s.w.LocateNodeWithPaths(lockPaths); ok {
			cs.coldHands[f.ID] = leaf
		} else {
			level.Error(logger).Log("msg", "target allocation lock collision did not resolve", "path", failedPath)
		}
		return
	}
	defer s.w.Locker().Unlock(lockPaths)

	if leaf, _, ok := s.w.LocateNodeWithPaths(lockPaths); ok {
		cs.coldHands[f.ID] = leaf
		return
	}

	var extra codec.JSON
	if f.Extra != "" {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(f.Extra), &m); err == nil {
			extra = codec.JSON(m)
		}
	}

	for _, p := range f.Paths {
		if _, ok := s.w.LocateNode(p); !ok {
			continue
		}
		leaf, _, err := s.w.AllocateLeaf(p, f.Name, extra)
		if err != nil {
			level.Error(logger).Log("msg", "leaf allocation failed", "parent", p, "err", err)
			return
		}
		cs.coldHands[f.ID] = leaf
		return
	}
	level.Error(logger).Log("msg", "target allocation: parent disappeared before allocation", "name", f.Name)
}

func (s *Server) handleReport(logger log.Logger, cs *connState, f dracarys.Frame) {
	n, ok := cs.coldHands[f.ID]
	if !ok {
		level.Debug(logger).Log("msg", "report for unknown id, ignoring", "id", f.ID)
		return
	}
	n.Lock()
	n.HealthStatus = f.HealthStatus
	n.HealthLastReport = codec.Now()
	n.Unlock()
}

func (s *Server) handleMetric(logger log.Logger, cs *connState, f dracarys.Frame) {
	leaf, ok := cs.coldHands[f.ID]
	basePath, nodeID := "", uint64(0)
	if ok {
		basePath, nodeID = leafIdentity(leaf)
	}

	for _, sample := range f.Metrics {
		path := sample.Name
		if f.Relative && basePath != "" {
			path = basePath + "." + strings.TrimPrefix(sample.Name, ".")
		}
		value, err := strconv.ParseFloat(sample.Value, 64)
		if err != nil {
			level.Warn(logger).Log("msg", "metric value not numeric, dropping", "name", sample.Name, "value", sample.Value)
			continue
		}
		s.w.Dispatcher().SendMetric(metric.Metric{
			AppPath: path,
			NodeID:  nodeID,
			Name:    sample.Name,
			Value:   value,
			Time:    sample.Time,
		})
	}
}

func leafIdentity(n *node.Node) (path string, id uint64) {
	n.RLock()
	defer n.RUnlock()
	for _, p := range n.AppMeta {
		return p.Path, n.ID
	}
	return "", n.ID
}
