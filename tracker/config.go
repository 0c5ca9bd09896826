package tracker

import "time"

// Config tunes TrackerMux's fan-out. Field names and the applyDefaults
// pattern follow uber-kraken's lib/torrent/scheduler/conn/config.go.
type Config struct {
	// ConcurrencyCap bounds how many trackers are contacted in parallel.
	ConcurrencyCap int `yaml:"concurrency_cap"`

	// PeerTarget is the distinct-peer count past which pending trackers are
	// cancelled early.
	PeerTarget int `yaml:"peer_target"`

	// CycleDeadline bounds the whole announce operation.
	CycleDeadline time.Duration `yaml:"cycle_deadline"`

	// HTTPTimeout bounds a single HTTP/HTTPS announce.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// UDPStepTimeout bounds a single step (connect or announce) of the
	// BEP-15 UDP exchange.
	UDPStepTimeout time.Duration `yaml:"udp_step_timeout"`

	// NumWant is sent as numwant/num_want to every tracker.
	NumWant int `yaml:"num_want"`
}

func (c Config) applyDefaults() Config {
	if c.ConcurrencyCap == 0 {
		c.ConcurrencyCap = 30
	}
	if c.PeerTarget == 0 {
		c.PeerTarget = 200
	}
	if c.CycleDeadline == 0 {
		c.CycleDeadline = 60 * time.Second
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 8 * time.Second
	}
	if c.UDPStepTimeout == 0 {
		c.UDPStepTimeout = 5 * time.Second
	}
	if c.NumWant == 0 {
		c.NumWant = 200
	}
	return c
}
