package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"torrentcore/peer"
	"torrentcore/piece"
	"torrentcore/tracker"
)

// Config tunes the Engine and is the parent of every component's own
// Config, following uber-kraken's pattern of one yaml-tagged struct per
// concern composed into a larger one (e.g.
// lib/torrent/scheduler/config.go embedding conn.Config, connstate.Config,
// dispatch.Config...).
type Config struct {
	// PeerIDPrefix is the first 8 bytes of every generated peer id, e.g.
	// "-TC0001-" (spec.md §4.1).
	PeerIDPrefix string `yaml:"peer_id_prefix"`

	// ListenPortStart/End bound the inbound TCP port probe range.
	ListenPortStart int `yaml:"listen_port_start"`
	ListenPortEnd   int `yaml:"listen_port_end"`

	// SaveRoot is the default parent directory new downloads are placed
	// under when Start is called without an explicit override.
	SaveRoot string `yaml:"save_root"`

	// DialTarget is how many successful outbound connections stop the
	// initial dial phase early (spec.md §4.3 step 3).
	DialTarget int `yaml:"dial_target"`

	// StalledCycles/StalledCycleWait implement spec.md §4.3 step 4: "wait
	// up to three cycles of (T ≈ 30s) for inbound peers OR re-announce;
	// abort to Error only after all three cycles fail."
	StalledCycles    int           `yaml:"stalled_cycles"`
	StalledCycleWait time.Duration `yaml:"stalled_cycle_wait"`

	// ReannounceInterval is the background re-announce loop period
	// (spec.md §4.3 step 5).
	ReannounceInterval time.Duration `yaml:"reannounce_interval"`

	// TimeoutSweepInterval drives PieceScheduler.SweepTimeouts.
	TimeoutSweepInterval time.Duration `yaml:"timeout_sweep_interval"`

	// EventBufferSize bounds the Engine's notification channel; a full
	// channel drops the newly emitted event rather than blocking a
	// download goroutine (spec.md §9 "never block the data path on a slow
	// UI consumer").
	EventBufferSize int `yaml:"event_buffer_size"`

	Tracker tracker.Config `yaml:"tracker"`
	Peer    peer.Config    `yaml:"peer"`
	Piece   piece.Config   `yaml:"piece"`
}

func (c Config) applyDefaults() Config {
	if c.PeerIDPrefix == "" {
		c.PeerIDPrefix = "-TC0001-"
	}
	if c.ListenPortStart == 0 {
		c.ListenPortStart = 6881
	}
	if c.ListenPortEnd == 0 {
		c.ListenPortEnd = 6999
	}
	if c.SaveRoot == "" {
		c.SaveRoot = "."
	}
	if c.DialTarget == 0 {
		c.DialTarget = 30
	}
	if c.StalledCycles == 0 {
		c.StalledCycles = 3
	}
	if c.StalledCycleWait == 0 {
		c.StalledCycleWait = 30 * time.Second
	}
	if c.ReannounceInterval == 0 {
		c.ReannounceInterval = 2 * time.Minute
	}
	if c.TimeoutSweepInterval == 0 {
		c.TimeoutSweepInterval = 5 * time.Second
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = 256
	}
	return c
}

// LoadConfig reads a yaml-encoded Config from path. Every field not set in
// the file keeps its runtime default, applied by the caller via
// applyDefaults (engine.New always applies it), mirroring uber-kraken's
// convention of config.yaml files that only override what they mention.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
