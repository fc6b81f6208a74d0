// Package node implements the shared node record described in spec.md §3:
// the per-node health block, declarative scheduling flags, and the weak
// parent/child edges that make up the application trees. Ownership of every
// Node lives solely in the store's id table (internal/store); this package
// only holds plain pointers and relies on callers going through the store to
// reach a node, mirroring the weak-handle discipline of the original Rust
// source without Go's lack of a native weak-pointer type.
package node

import (
	"sync"

	"github.com/nightswatch/nightswatch/internal/codec"
)

// Kind identifies what role a node plays in its application tree.
type Kind int

const (
	KindApplication Kind = iota
	KindNode
	KindLeaf
)

// CheckType labels a node as Timer or Event. It is parsed and carried
// through snapshots; the application tick evaluates every node each tick
// whatever its CheckType.
type CheckType int

const (
	CheckTimer CheckType = iota
	CheckEvent
)

// HealthUnknown is the sentinel health value for a node that has never been
// evaluated.
const HealthUnknown uint8 = 255

// AppPath records where a node sits within one application tree.
type AppPath struct {
	Path string
}

// Node is a single vertex in an application tree. All fields below the mutex
// are protected by it; readers and writers alike (tick, Report handler,
// script hot-swap) must hold it per spec.md §5.
type Node struct {
	ID uint64

	// Immutable after creation.
	Kind Kind
	Name string

	mu sync.RWMutex

	DisplayName string
	Description string
	Created     uint64

	MetricEnabled  bool
	MetricInterval uint64

	AlertEnabled      bool
	AlertDescription  string
	AlertSeverityEval string // supplemental field restored from original_source/src/node.rs

	HealthStatus            uint8
	HealthCheckEval         string
	HealthCheckEvalOverride string
	HealthCheckEvalChange   uint64
	HealthCheckTick         uint64
	HealthLastCheck         uint64
	HealthLastReport        uint64
	HealthAlertThreshold    uint8
	HealthReportThreshold   uint64
	HealthCheckType         CheckType
	HealthEventEnabled      bool
	healthCheckInit         bool // forces one unconditional re-evaluation

	Parents  []*Node
	Children []*Node

	// AppMeta maps an application name to the node's dotted path within
	// that application's tree. A node with more than one entry here is
	// shared across multiple application roots.
	AppMeta map[string]AppPath
}

// New creates a bare node with the documented defaults. The id is assigned
// by the caller (internal/store), matching NodeProto::new in the original.
func New(id uint64) *Node {
	return &Node{
		ID:                    id,
		Kind:                  KindNode,
		Created:               codec.Now(),
		MetricEnabled:         true,
		MetricInterval:        1,
		AlertEnabled:          true,
		HealthStatus:          HealthUnknown,
		HealthCheckType:       CheckTimer,
		HealthEventEnabled:    true,
		HealthAlertThreshold:  1,
		HealthReportThreshold: 60,
		healthCheckInit:       true,
		AppMeta:               make(map[string]AppPath),
	}
}

// ParseDeclarative applies the declarative JSON fields documented in
// spec.md §4.1 onto n, keeping existing values for anything absent from raw.
func (n *Node) ParseDeclarative(raw codec.JSON) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.DisplayName = raw.GetString("display_name", n.DisplayName)
	n.Description = raw.GetString("description", n.Description)
	n.AlertEnabled = raw.GetBool("alert_enabled", n.AlertEnabled)
	n.AlertDescription = raw.GetString("alert_description", n.AlertDescription)
	n.HealthEventEnabled = raw.GetBool("health_event_enabled", n.HealthEventEnabled)
	n.HealthAlertThreshold = uint8(raw.GetUint64("health_alert_threshold", uint64(n.HealthAlertThreshold)))
	n.HealthReportThreshold = raw.GetUint64("health_report_threshold", n.HealthReportThreshold)
	n.MetricEnabled = raw.GetBool("metric_enabled", n.MetricEnabled)
	n.MetricInterval = raw.GetUint64("metric_interval", n.MetricInterval)
	if eval := raw.GetString("health_check_eval", ""); eval != "" {
		n.HealthCheckEvalOverride = eval
	}
	if eval := raw.GetString("alert_severity_eval", ""); eval != "" {
		n.AlertSeverityEval = eval
	}
}

// AddChild links c as a child of n, and n as a parent of c. Both edges are
// added under n and c's own locks respectively; callers must not already
// hold either.
func (n *Node) AddChild(c *Node) {
	n.mu.Lock()
	n.Children = append(n.Children, c)
	n.mu.Unlock()

	c.mu.Lock()
	c.Parents = append(c.Parents, n)
	c.mu.Unlock()
}

// SetAppPath records path as where n sits within the application named app.
func (n *Node) SetAppPath(app, path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.AppMeta == nil {
		n.AppMeta = make(map[string]AppPath)
	}
	n.AppMeta[app] = AppPath{Path: path}
}

// ChildrenSnapshot returns a copy of n's current children slice, safe to
// range over without holding n's lock.
func (n *Node) ChildrenSnapshot() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Node, len(n.Children))
	copy(out, n.Children)
	return out
}

// ChildByName returns the named immediate child, if any.
func (n *Node) ChildByName(name string) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Lock/Unlock/RLock/RUnlock expose n's mutex directly for call sites (the
// tick loop, report handling) that need to read or mutate several fields
// atomically without going through individual accessor methods.
func (n *Node) Lock()    { n.mu.Lock() }
func (n *Node) Unlock()  { n.mu.Unlock() }
func (n *Node) RLock()   { n.mu.RLock() }
func (n *Node) RUnlock() { n.mu.RUnlock() }

// TakeHealthCheckInit clears and returns the one-shot forced-evaluation
// flag set at node creation and on snapshot load.
func (n *Node) TakeHealthCheckInit() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.TakeHealthCheckInitLocked()
}

// TakeHealthCheckInitLocked is the lock-free variant of TakeHealthCheckInit
// for callers (the tick loop) that already hold n's write lock.
func (n *Node) TakeHealthCheckInitLocked() bool {
	v := n.healthCheckInit
	n.healthCheckInit = false
	return v
}
