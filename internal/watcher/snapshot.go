package watcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-kit/kit/log/level"

	"github.com/nightswatch/nightswatch/internal/application"
	"github.com/nightswatch/nightswatch/internal/codec"
	"github.com/nightswatch/nightswatch/internal/node"
)

// NodeRecord is one node's contribution to a snapshot document, per
// spec.md §4.9: every declarative field plus adjacency lists by id.
type NodeRecord struct {
	Kind                  int    `json:"kind"`
	Name                  string `json:"name"`
	DisplayName           string `json:"display_name"`
	Description           string `json:"description"`
	Created               uint64 `json:"node_created"`
	MetricEnabled         bool   `json:"metric_enabled"`
	MetricInterval        uint64 `json:"metric_interval"`
	AlertEnabled          bool   `json:"alert_enabled"`
	AlertDescription      string `json:"alert_description"`
	AlertSeverityEval     string `json:"alert_severity_eval,omitempty"`
	HealthStatus          uint8  `json:"health_status"`
	HealthCheckEval       string `json:"health_check_eval,omitempty"`
	HealthAlertThreshold  uint8  `json:"health_alert_threshold"`
	HealthReportThreshold uint64 `json:"health_report_threshold"`
	HealthCheckType       int    `json:"health_check_type"`
	HealthEventEnabled    bool   `json:"health_event_enabled"`

	Parents  []uint64 `json:"parents"`
	Children []uint64 `json:"children"`
}

// Document is the full snapshot pushed to / read from the external bus.
type Document struct {
	Applications map[string]application.Record `json:"applications"`
	Nodes        map[string]NodeRecord          `json:"nodes"`
	Date         uint64                         `json:"date"`
}

func recordFromNode(n *node.Node) NodeRecord {
	n.RLock()
	defer n.RUnlock()

	rec := NodeRecord{
		Kind:                  int(n.Kind),
		Name:                  n.Name,
		DisplayName:           n.DisplayName,
		Description:           n.Description,
		Created:               n.Created,
		MetricEnabled:         n.MetricEnabled,
		MetricInterval:        n.MetricInterval,
		AlertEnabled:          n.AlertEnabled,
		AlertDescription:      n.AlertDescription,
		AlertSeverityEval:     n.AlertSeverityEval,
		HealthStatus:          n.HealthStatus,
		HealthCheckEval:       n.HealthCheckEval,
		HealthAlertThreshold:  n.HealthAlertThreshold,
		HealthReportThreshold: n.HealthReportThreshold,
		HealthCheckType:       int(n.HealthCheckType),
		HealthEventEnabled:    n.HealthEventEnabled,
	}
	for _, p := range n.Parents {
		rec.Parents = append(rec.Parents, p.ID)
	}
	for _, c := range n.Children {
		rec.Children = append(rec.Children, c.ID)
	}
	return rec
}

// Snapshot serializes the whole watcher (every application, every node in
// the store) into a Document, per spec.md §4.9.
func (w *Watcher) Snapshot() Document {
	w.mu.RLock()
	appRecs := make(map[string]application.Record, len(w.apps))
	for name, a := range w.apps {
		appRecs[name] = a.SerializeRecord()
	}
	w.mu.RUnlock()

	nodes := w.store.AllNodes()
	nodeRecs := make(map[string]NodeRecord, len(nodes))
	for id, n := range nodes {
		nodeRecs[fmt.Sprintf("%d", id)] = recordFromNode(n)
	}

	return Document{
		Applications: appRecs,
		Nodes:        nodeRecs,
		Date:         codec.Now(),
	}
}

// SerializeSnapshot returns the JSON-encoded snapshot document, ready to
// push onto the external bus.
func (w *Watcher) SerializeSnapshot() ([]byte, error) {
	return json.Marshal(w.Snapshot())
}

// LoadSnapshot rebuilds the watcher's applications and node graph from doc,
// using the two-pass BFS-with-id-remap procedure of spec.md §4.9: first
// every reachable node gets a fresh id via the store, then a second pass
// links parent->child using the remapped ids. An application whose root
// fails to re-link is discarded with a logged error.
func (w *Watcher) LoadSnapshot(doc Document) {
	oldToNew := make(map[uint64]uint64)

	for name, appRec := range doc.Applications {
		rootOldID := appRec.Root
		w.materializeNode(doc, rootOldID, oldToNew)
		_ = name
	}

	// Second pass: link children now that every reachable node has a new id.
	for oldID, newID := range oldToNew {
		oldIDStr := fmt.Sprintf("%d", oldID)
		rec, ok := doc.Nodes[oldIDStr]
		if !ok {
			continue
		}
		parent, ok := w.store.GetNode(newID)
		if !ok {
			continue
		}
		for _, childOldID := range rec.Children {
			childNewID, ok := oldToNew[childOldID]
			if !ok {
				level.Error(w.logger).Log("msg", "snapshot: unknown child id, skipping", "old_id", childOldID)
				continue
			}
			child, ok := w.store.GetNode(childNewID)
			if !ok {
				continue
			}
			parent.AddChild(child)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.apps = make(map[string]*application.Application)
	for name, appRec := range doc.Applications {
		newRootID, ok := oldToNew[appRec.Root]
		if !ok {
			level.Error(w.logger).Log("msg", "snapshot: application root failed to re-link, discarding", "app", name)
			continue
		}
		root, ok := w.store.GetNode(newRootID)
		if !ok {
			level.Error(w.logger).Log("msg", "snapshot: application root node missing after load, discarding", "app", name)
			continue
		}
		w.apps[name] = application.New(name, root, appRec.Threshold(), w.logger)
	}
}

// TakeSnapshot serializes and enqueues the current topology onto the
// dispatcher's snapshot channel (spec.md §4.9 and the LPUSH+LTRIM scenario
// in §8), satisfying the operator channel's take_snapshot request.
func (w *Watcher) TakeSnapshot() error {
	data, err := w.SerializeSnapshot()
	if err != nil {
		return fmt.Errorf("watcher: serializing snapshot: %w", err)
	}
	w.disp.SendSnapshot(data)
	return nil
}

// LoadSnapshotFromBus fetches the most recent snapshot from the bus
// (LINDEX key 0) and loads it, satisfying the operator channel's
// load_snapshot request.
func (w *Watcher) LoadSnapshotFromBus(ctx context.Context) error {
	data, err := w.disp.LatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("watcher: fetching snapshot: %w", err)
	}
	if data == nil {
		return fmt.Errorf("watcher: no snapshot available")
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("watcher: parsing snapshot: %w", err)
	}
	w.LoadSnapshot(doc)
	return nil
}

// materializeNode runs the BFS first pass from oldRootID, assigning every
// unseen reachable node a fresh store id.
func (w *Watcher) materializeNode(doc Document, oldRootID uint64, oldToNew map[uint64]uint64) {
	queue := []uint64{oldRootID}
	for len(queue) > 0 {
		oldID := queue[0]
		queue = queue[1:]

		if _, seen := oldToNew[oldID]; seen {
			continue
		}

		oldIDStr := fmt.Sprintf("%d", oldID)
		rec, ok := doc.Nodes[oldIDStr]
		if !ok {
			level.Error(w.logger).Log("msg", "snapshot: unknown node id referenced, skipping", "old_id", oldID)
			continue
		}

		raw, _ := json.Marshal(rec)
		n, err := w.store.DeserializeNode(raw)
		if err != nil {
			level.Error(w.logger).Log("msg", "snapshot: failed to deserialize node", "old_id", oldID, "err", err)
			continue
		}
		oldToNew[oldID] = n.ID

		queue = append(queue, rec.Children...)
	}
}
