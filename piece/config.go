package piece

import "time"

// BlockLength is the wire block size (spec.md §3): 16 KiB except the final
// block of the final piece, which may be shorter.
const BlockLength = 16384

// Config tunes PieceScheduler timing and failure thresholds.
type Config struct {
	// BlockTimeout is how long a Requested block waits before reverting to
	// Idle (spec.md §4.4).
	BlockTimeout time.Duration `yaml:"block_timeout"`

	// MaxInflightPerPeer bounds outstanding Requested blocks per peer.
	MaxInflightPerPeer int `yaml:"max_inflight_per_peer"`

	// FailureDemoteThreshold is the consecutive hash-failure count
	// attributable to one peer past which that peer MAY be disconnected
	// (spec.md §4.4, "N=3").
	FailureDemoteThreshold int `yaml:"failure_demote_threshold"`

	// EmergencyReannounceThreshold is the consecutive_piece_failures count
	// past which an emergency re-announce is triggered (spec.md §4.4,
	// "≈10").
	EmergencyReannounceThreshold int `yaml:"emergency_reannounce_threshold"`

	// HardFailureCeiling is the consecutive_piece_failures count past which
	// the torrent transitions to Error (spec.md §4.4).
	HardFailureCeiling int `yaml:"hard_failure_ceiling"`
}

func (c Config) applyDefaults() Config {
	if c.BlockTimeout == 0 {
		c.BlockTimeout = 30 * time.Second
	}
	if c.MaxInflightPerPeer == 0 {
		c.MaxInflightPerPeer = 10
	}
	if c.FailureDemoteThreshold == 0 {
		c.FailureDemoteThreshold = 3
	}
	if c.EmergencyReannounceThreshold == 0 {
		c.EmergencyReannounceThreshold = 10
	}
	if c.HardFailureCeiling == 0 {
		c.HardFailureCeiling = 50
	}
	return c
}
