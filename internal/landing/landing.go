// Package landing holds the JSON configuration documents for both binaries,
// per spec.md §6 (External Interfaces -> Watcher config / Ranger config).
package landing

import (
	"encoding/json"
	"fmt"
	"os"
)

// WatcherConfig is the Watcher process's config.json document.
type WatcherConfig struct {
	NightfortListenBind string                   `json:"nightfort_listen_bind"`
	MaesterListenBind   string                   `json:"maester_listen_bind"`
	DebugListenBind     string                   `json:"debug_listen_bind"`
	WatcherTickInterval int                      `json:"watcher_tick_interval"`
	RedisPublish        string                   `json:"redis_publish"`
	Applications        []map[string]interface{} `json:"applications"`
}

// DefaultWatcherConfig returns the documented defaults (spec.md §6).
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		NightfortListenBind: "0.0.0.0:6000",
		DebugListenBind:     "127.0.0.1:6001",
		WatcherTickInterval: 10,
	}
}

// LoadWatcherConfig reads and parses a Watcher config file, applying
// defaults for any key absent from the document.
func LoadWatcherConfig(path string) (WatcherConfig, error) {
	cfg := DefaultWatcherConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("landing: reading watcher config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("landing: parsing watcher config: %w", err)
	}
	return cfg, nil
}

// WatchType is a Ranger target's check mode (spec.md §4.7).
type WatchType string

const (
	WatchExit           WatchType = "watch_exit"
	WatchOutput         WatchType = "watch_output"
	WatchMetrics        WatchType = "watch_metrics"
	WatchExitAndMetrics WatchType = "watch_exit_and_metrics"
)

// Watch describes the check program a Ranger target runs.
type Watch struct {
	Prog string    `json:"prog"`
	Args []string  `json:"args"`
	Type WatchType `json:"type"`
}

// Target is one entry of a Ranger's target table.
type Target struct {
	Name               string                 `json:"name"`
	Paths              []string               `json:"paths"`
	Interval           int                    `json:"interval"`
	DefaultHealth      uint8                  `json:"default_health"`
	RelativeMetricPath bool                   `json:"relative_metric_path"`
	Extra              map[string]interface{} `json:"extra"`
	Watch              Watch                  `json:"watch"`
}

// RangerConfig is the Ranger process's config.json document.
type RangerConfig struct {
	Nightfort string   `json:"nightfort"`
	Targets   []Target `json:"targets"`
}

// DefaultRangerConfig returns the documented defaults (spec.md §6).
func DefaultRangerConfig() RangerConfig {
	return RangerConfig{
		Nightfort: "127.0.0.1:6000",
	}
}

// LoadRangerConfig reads and parses a Ranger config file.
func LoadRangerConfig(path string) (RangerConfig, error) {
	cfg := DefaultRangerConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("landing: reading ranger config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("landing: parsing ranger config: %w", err)
	}
	return cfg, nil
}
