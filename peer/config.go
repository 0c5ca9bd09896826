package peer

import "time"

// Config tunes per-session timing. Field names and the applyDefaults
// pattern follow uber-kraken's lib/torrent/scheduler/conn/config.go.
type Config struct {
	// ConnectTimeout bounds an outbound TCP dial.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// HandshakeTimeout bounds sending our handshake and reading the reply.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// KeepAliveInterval is how long a session may stay silent before we
	// send a keep-alive frame of our own.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// IdleTimeout is how long a session may see no bytes in either
	// direction before it is disconnected.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// DialBatchSize bounds how many outbound dials run concurrently.
	DialBatchSize int `yaml:"dial_batch_size"`
}

func (c Config) applyDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 8 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 120 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 150 * time.Second
	}
	if c.DialBatchSize == 0 {
		c.DialBatchSize = 10
	}
	return c
}
