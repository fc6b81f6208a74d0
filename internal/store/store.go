// Package store implements the node store from spec.md §4.1: the id table
// that owns every Node, the dotted-path index, and id assignment. The store
// is the only strong owner of node memory; every other package reaches
// nodes through it (GetNode/GetWeak) rather than holding their own tables,
// matching the weak-edge discipline of the original design (see
// internal/node's doc comment).
package store

import (
	"encoding/json"
	"sync"

	"github.com/nightswatch/nightswatch/internal/codec"
	"github.com/nightswatch/nightswatch/internal/node"
)

// Store owns the id->node table and the path->id index. All mutations go
// through its single write-lock per spec.md §4.1.
type Store struct {
	mu      sync.RWMutex
	nextID  uint64
	nodes   map[uint64]*node.Node
	paths   map[string]uint64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		nodes: make(map[uint64]*node.Node),
		paths: make(map[string]uint64),
	}
}

// NewNode assigns the next id and stores a bare node under it.
func (s *Store) NewNode() *node.Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	n := node.New(s.nextID)
	s.nodes[n.ID] = n
	return n
}

// AddNode creates a node of kind KindNode under name, applying raw's
// declarative fields.
func (s *Store) AddNode(raw codec.JSON, name string) *node.Node {
	n := s.NewNode()
	n.Name = name
	n.ParseDeclarative(raw)
	return n
}

// AddAppNode creates a node of kind KindApplication, applying raw's
// declarative fields (name comes from raw's own "name" key, per the
// application document format in spec.md §6).
func (s *Store) AddAppNode(raw codec.JSON) *node.Node {
	n := s.NewNode()
	n.Kind = node.KindApplication
	n.Name = raw.GetString("name", "")
	n.DisplayName = raw.GetString("display_name", n.Name)
	n.Description = raw.GetString("description", "")
	n.ParseDeclarative(raw)
	return n
}

// AddLeafNode creates a node of kind KindLeaf under name, applying raw's
// declarative fields. Leaves are the dynamically allocated nodes created by
// Nightfort when a Ranger target first reports in.
func (s *Store) AddLeafNode(name string, raw codec.JSON) *node.Node {
	n := s.NewNode()
	n.Kind = node.KindLeaf
	n.Name = name
	n.ParseDeclarative(raw)
	return n
}

// UpdateIndex upserts path -> id in the store's path index.
func (s *Store) UpdateIndex(path string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[path] = id
}

// GetNode returns the node for id, if any.
func (s *Store) GetNode(id uint64) (*node.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// AllNodes returns a shallow copy of the id->node table, used by snapshot
// serialization which must walk every node regardless of application.
func (s *Store) AllNodes() map[uint64]*node.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint64]*node.Node, len(s.nodes))
	for id, n := range s.nodes {
		out[id] = n
	}
	return out
}

// GetWeak resolves a dotted path to its current node, if indexed.
func (s *Store) GetWeak(path string) (*node.Node, bool) {
	s.mu.RLock()
	id, ok := s.paths[path]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.GetNode(id)
}

// DeserializeNode reconstructs a node from a snapshot record (see
// internal/watcher's snapshot.go), assigning it a fresh id.
func (s *Store) DeserializeNode(raw json.RawMessage) (*node.Node, error) {
	var rec struct {
		Kind                    int    `json:"kind"`
		Name                    string `json:"name"`
		DisplayName             string `json:"display_name"`
		Description             string `json:"description"`
		Created                 uint64 `json:"node_created"`
		MetricEnabled           bool   `json:"metric_enabled"`
		MetricInterval          uint64 `json:"metric_interval"`
		AlertEnabled            bool   `json:"alert_enabled"`
		AlertDescription        string `json:"alert_description"`
		AlertSeverityEval       string `json:"alert_severity_eval"`
		HealthStatus            uint8  `json:"health_status"`
		HealthCheckEval         string `json:"health_check_eval"`
		HealthAlertThreshold    uint8  `json:"health_alert_threshold"`
		HealthReportThreshold   uint64 `json:"health_report_threshold"`
		HealthCheckType         int    `json:"health_check_type"`
		HealthEventEnabled      bool   `json:"health_event_enabled"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}

	n := s.NewNode()
	n.Kind = node.Kind(rec.Kind)
	n.Name = rec.Name
	n.DisplayName = rec.DisplayName
	n.Description = rec.Description
	n.Created = rec.Created
	n.MetricEnabled = rec.MetricEnabled
	n.MetricInterval = rec.MetricInterval
	n.AlertEnabled = rec.AlertEnabled
	n.AlertDescription = rec.AlertDescription
	n.AlertSeverityEval = rec.AlertSeverityEval
	n.HealthStatus = rec.HealthStatus
	n.HealthCheckEval = rec.HealthCheckEval
	n.HealthAlertThreshold = rec.HealthAlertThreshold
	n.HealthReportThreshold = rec.HealthReportThreshold
	n.HealthCheckType = node.CheckType(rec.HealthCheckType)
	n.HealthEventEnabled = rec.HealthEventEnabled
	return n, nil
}
