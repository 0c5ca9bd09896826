// Package peer implements the per-connection peer-wire state machine and
// the swarm that owns a torrent's live sessions (spec.md §4.3).
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"torrentcore/bitfield"
	"torrentcore/metainfo"
	"torrentcore/wire"
)

// Session is one live peer-wire connection for one torrent (spec.md §3's
// PeerSession). It is created by dialling out or by accepting an inbound
// handshake, and is destroyed on disconnect.
type Session struct {
	conn         net.Conn
	addr         string
	localPeerID  [20]byte
	remotePeerID [20]byte
	infoHash     metainfo.InfoHash
	inbound      bool

	cfg    Config
	events Events
	clk    clock.Clock
	logger *zap.SugaredLogger

	// sendMu is the single-owner send-serialisation primitive spec.md §5
	// requires: concurrent callers cannot interleave bytes of two messages.
	sendMu sync.Mutex

	peerChoking    atomic.Bool
	amChoking      atomic.Bool
	peerInterested atomic.Bool
	amInterested   atomic.Bool

	bitfieldMu    sync.RWMutex
	peerBitfield  *bitfield.Bitfield
	pieceCount    int

	activityMu   sync.Mutex
	lastActivity time.Time

	disconnectOnce sync.Once
	disconnected   atomic.Bool
}

// Dial opens an outbound TCP connection, performs the 68-byte handshake
// exchange, and verifies the reply (spec.md §4.3 "Outbound peer dial").
// The caller must call Serve to start the receive loop.
func Dial(
	ctx context.Context,
	addr string,
	infoHash metainfo.InfoHash,
	localPeerID [20]byte,
	pieceCount int,
	cfg Config,
	events Events,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) (*Session, error) {
	cfg = cfg.applyDefaults()

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	_ = conn.SetDeadline(deadline)

	out := wire.Handshake{InfoHash: infoHash, PeerID: localPeerID}
	if err := out.Encode(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake to %s: %w", addr, err)
	}

	in, err := wire.DecodeHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake from %s: %w", addr, err)
	}
	if in.InfoHash != infoHash {
		conn.Close()
		return nil, fmt.Errorf("info hash mismatch from %s", addr)
	}

	_ = conn.SetDeadline(time.Time{})

	return newSession(conn, addr, localPeerID, in.PeerID, infoHash, false, pieceCount, cfg, events, clk, logger), nil
}

// Accept wraps an already-handshaken inbound connection. The caller (the
// Engine's inbound listener, spec.md §4.1) has already read and decoded the
// remote's handshake and looked up the InfoHash in its registry; Accept
// sends our reply and builds the Session.
func Accept(
	conn net.Conn,
	remoteHandshake wire.Handshake,
	localPeerID [20]byte,
	pieceCount int,
	cfg Config,
	events Events,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) (*Session, error) {
	cfg = cfg.applyDefaults()

	reply := wire.Handshake{InfoHash: remoteHandshake.InfoHash, PeerID: localPeerID}
	if err := reply.Encode(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake reply to %s: %w", conn.RemoteAddr(), err)
	}

	return newSession(conn, conn.RemoteAddr().String(), localPeerID, remoteHandshake.PeerID,
		remoteHandshake.InfoHash, true, pieceCount, cfg, events, clk, logger), nil
}

func newSession(
	conn net.Conn,
	addr string,
	localPeerID, remotePeerID [20]byte,
	infoHash metainfo.InfoHash,
	inbound bool,
	pieceCount int,
	cfg Config,
	events Events,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Session {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Session{
		conn:         conn,
		addr:         addr,
		localPeerID:  localPeerID,
		remotePeerID: remotePeerID,
		infoHash:     infoHash,
		inbound:      inbound,
		cfg:          cfg,
		events:       events,
		clk:          clk,
		logger:       logger.With("peer", addr),
		peerBitfield: bitfield.New(pieceCount),
		pieceCount:   pieceCount,
		lastActivity: clk.Now(),
	}
	// Initial state: choked and not interested on both sides (spec.md §3).
	s.peerChoking.Store(true)
	s.amChoking.Store(true)
	return s
}

// Addr returns the remote address string this session was dialled or
// accepted on.
func (s *Session) Addr() string { return s.addr }

// RemotePeerID returns the 20-byte id the remote sent in its handshake.
func (s *Session) RemotePeerID() [20]byte { return s.remotePeerID }

// Inbound reports whether this session was accepted rather than dialled.
func (s *Session) Inbound() bool { return s.inbound }

func (s *Session) PeerChoking() bool    { return s.peerChoking.Load() }
func (s *Session) AmChoking() bool      { return s.amChoking.Load() }
func (s *Session) PeerInterested() bool { return s.peerInterested.Load() }
func (s *Session) AmInterested() bool   { return s.amInterested.Load() }

// PeerHasPiece reports whether the remote has announced piece i via
// Bitfield or Have.
func (s *Session) PeerHasPiece(i int) bool {
	s.bitfieldMu.RLock()
	defer s.bitfieldMu.RUnlock()
	return s.peerBitfield.Test(i)
}

// PeerBitfield returns a snapshot of the peer's announced pieces.
func (s *Session) PeerBitfield() *bitfield.Bitfield {
	s.bitfieldMu.RLock()
	defer s.bitfieldMu.RUnlock()
	return s.peerBitfield.Clone()
}

func (s *Session) touch() {
	s.activityMu.Lock()
	s.lastActivity = s.clk.Now()
	s.activityMu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.clk.Now().Sub(s.lastActivity)
}

// --- outbound message helpers ---------------------------------------- //

func (s *Session) send(m wire.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return wire.Encode(s.conn, m)
}

func (s *Session) SendKeepAlive() error { return s.send(wire.KeepAlive()) }

func (s *Session) SendChoke() error {
	s.amChoking.Store(true)
	return s.send(wire.Message{ID: wire.Choke})
}

func (s *Session) SendUnchoke() error {
	s.amChoking.Store(false)
	return s.send(wire.Message{ID: wire.Unchoke})
}

func (s *Session) SendInterested() error {
	s.amInterested.Store(true)
	return s.send(wire.Message{ID: wire.Interested})
}

func (s *Session) SendNotInterested() error {
	s.amInterested.Store(false)
	return s.send(wire.Message{ID: wire.NotInterested})
}

func (s *Session) SendHave(index uint32) error {
	return s.send(wire.Message{ID: wire.Have, Payload: wire.EncodeHave(index)})
}

func (s *Session) SendBitfield(bf *bitfield.Bitfield) error {
	return s.send(wire.Message{ID: wire.BitfieldMsg, Payload: bf.Bytes()})
}

func (s *Session) SendRequest(p wire.RequestPayload) error {
	return s.send(wire.Message{ID: wire.Request, Payload: p.Encode()})
}

func (s *Session) SendPiece(p wire.PiecePayload) error {
	return s.send(wire.Message{ID: wire.Piece, Payload: p.Encode()})
}

func (s *Session) SendCancel(p wire.RequestPayload) error {
	return s.send(wire.Message{ID: wire.Cancel, Payload: p.Encode()})
}

// --- receive loop ------------------------------------------------------ //

// Serve runs the blocking frame-receive loop until disconnect (spec.md
// §4.3 "Peer receive task"). It also drives keep-alive sends on a
// background ticker. Serve returns once the session is fully torn down;
// the caller typically runs it in its own goroutine.
func (s *Session) Serve(ctx context.Context) {
	keepAliveDone := make(chan struct{})
	go s.keepAliveLoop(ctx, keepAliveDone)
	defer close(keepAliveDone)

	for {
		if ctx.Err() != nil {
			s.Disconnect(ctx.Err())
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := wire.Decode(s.conn)
		if err != nil {
			s.Disconnect(fmt.Errorf("read frame: %w", err))
			return
		}
		s.touch()

		if msg.IsKeepAlive {
			continue
		}

		if err := s.dispatch(msg); err != nil {
			s.Disconnect(err)
			return
		}
	}
}

func (s *Session) keepAliveLoop(ctx context.Context, done <-chan struct{}) {
	ticker := s.clk.Ticker(s.cfg.KeepAliveInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.idleFor() >= s.cfg.KeepAliveInterval {
				if err := s.SendKeepAlive(); err != nil {
					s.Disconnect(fmt.Errorf("keepalive: %w", err))
					return
				}
			}
		}
	}
}

func (s *Session) dispatch(msg wire.Message) error {
	switch msg.ID {
	case wire.Choke:
		s.peerChoking.Store(true)
		s.events.OnChoke(s)

	case wire.Unchoke:
		s.peerChoking.Store(false)
		s.events.OnUnchoke(s)

	case wire.Interested:
		s.peerInterested.Store(true)
		s.events.OnInterested(s)

	case wire.NotInterested:
		s.peerInterested.Store(false)
		s.events.OnNotInterested(s)

	case wire.Have:
		index, err := wire.DecodeHave(msg.Payload)
		if err != nil {
			return err // malformed Have is a protocol violation, not silently skipped
		}
		s.bitfieldMu.Lock()
		s.peerBitfield.Set(int(index))
		s.bitfieldMu.Unlock()
		s.events.OnHave(s, int(index))

	case wire.BitfieldMsg:
		// Trailing bits past piece count are ignored leniently (spec.md §8,
		// §9 open question), so Replace is used rather than validating length.
		s.bitfieldMu.Lock()
		s.peerBitfield.Replace(msg.Payload)
		s.bitfieldMu.Unlock()
		s.events.OnBitfield(s)

	case wire.Request:
		p, err := wire.DecodeRequestPayload(msg.Payload)
		if err != nil {
			return err
		}
		s.events.OnRequest(s, p)

	case wire.Piece:
		p, err := wire.DecodePiecePayload(msg.Payload)
		if err != nil {
			return err
		}
		s.events.OnPiece(s, p)

	case wire.Cancel:
		p, err := wire.DecodeRequestPayload(msg.Payload)
		if err != nil {
			return err
		}
		s.events.OnCancel(s, p)

	default:
		// Unknown type ids are skipped, not errored (spec.md §4.6).
		s.logger.Debugw("skipping unknown message id", "id", msg.ID)
	}
	return nil
}

// Disconnect tears the session down. It is safe to call concurrently and
// from multiple paths (receive loop, send-path I/O error, scheduler
// give-up, Swarm shutdown); only the first call runs teardown and fires
// OnDisconnect, per spec.md §9's "re-entrancy of disconnect" note.
func (s *Session) Disconnect(err error) {
	s.disconnectOnce.Do(func() {
		s.disconnected.Store(true)
		s.conn.Close()
		s.events.OnDisconnect(s, err)
	})
}

// Disconnected reports whether the session's one-shot disconnect latch has
// already fired.
func (s *Session) Disconnected() bool { return s.disconnected.Load() }
