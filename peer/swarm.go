package peer

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"torrentcore/metainfo"
	"torrentcore/wire"
)

// Swarm owns the set of live PeerSessions for one torrent, satisfying
// spec.md §3's "Ownership" rule (a TorrentContext uniquely owns the set of
// live PeerSessions) and §9's suggestion to model the peer set as a single
// owner guarded by one short-lived mutex, rather than the teacher's
// []Peer + PeersMutex pattern (torrent/p2p.go's ConnectToPeers).
type Swarm struct {
	infoHash    metainfo.InfoHash
	localPeerID [20]byte
	pieceCount  int
	cfg         Config
	events      Events
	clk         clock.Clock
	logger      *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by Session.Addr()

	connected atomic.Int32

	// onConnect, if set, runs once per newly-added session, after it is
	// registered but before its receive loop starts. The download loop uses
	// this to send our local Bitfield immediately on connect (spec.md §3's
	// "Bitfield... expected as first message after handshake if sent at
	// all").
	onConnect func(*Session)
}

// SetOnConnect installs the post-registration hook described above. It must
// be called before any dial/accept to take effect for every session.
func (sw *Swarm) SetOnConnect(fn func(*Session)) {
	sw.mu.Lock()
	sw.onConnect = fn
	sw.mu.Unlock()
}

// NewSwarm builds a Swarm for one torrent.
func NewSwarm(
	infoHash metainfo.InfoHash,
	localPeerID [20]byte,
	pieceCount int,
	cfg Config,
	events Events,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Swarm {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Swarm{
		infoHash:    infoHash,
		localPeerID: localPeerID,
		pieceCount:  pieceCount,
		cfg:         cfg.applyDefaults(),
		events:      events,
		clk:         clk,
		logger:      logger,
		sessions:    make(map[string]*Session),
	}
}

// NumConnected returns the number of currently live sessions.
func (sw *Swarm) NumConnected() int { return int(sw.connected.Load()) }

// Sessions returns a snapshot slice of the currently live sessions.
func (sw *Swarm) Sessions() []*Session {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	out := make([]*Session, 0, len(sw.sessions))
	for _, s := range sw.sessions {
		out = append(out, s)
	}
	return out
}

// Has reports whether addr is already connected, so dialling code can skip
// candidates already present (spec.md §4.3 step 5, the re-announce loop
// "attempts new dials for any peers not already present").
func (sw *Swarm) Has(addr string) bool {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	_, ok := sw.sessions[addr]
	return ok
}

// DialAndAdd dials addr, performs the handshake, registers the resulting
// session, and starts its receive loop in a new goroutine. It returns the
// session on success; callers that only care about connection count can
// discard it.
func (sw *Swarm) DialAndAdd(ctx context.Context, addr string) (*Session, error) {
	s, err := Dial(ctx, addr, sw.infoHash, sw.localPeerID, sw.pieceCount, sw.cfg, sw.events, sw.clk, sw.logger)
	if err != nil {
		return nil, err
	}
	sw.add(s)
	go func() {
		s.Serve(ctx)
		sw.remove(s)
	}()
	return s, nil
}

// AcceptAndAdd wraps an inbound connection whose handshake has already been
// read by the Engine's listener (spec.md §4.1), registers the session, and
// starts its receive loop.
func (sw *Swarm) AcceptAndAdd(ctx context.Context, conn net.Conn, remote wire.Handshake) (*Session, error) {
	s, err := Accept(conn, remote, sw.localPeerID, sw.pieceCount, sw.cfg, sw.events, sw.clk, sw.logger)
	if err != nil {
		return nil, err
	}
	sw.add(s)
	go func() {
		s.Serve(ctx)
		sw.remove(s)
	}()
	return s, nil
}

func (sw *Swarm) add(s *Session) {
	sw.mu.Lock()
	sw.sessions[s.Addr()] = s
	onConnect := sw.onConnect
	sw.mu.Unlock()
	sw.connected.Inc()
	if onConnect != nil {
		onConnect(s)
	}
}

func (sw *Swarm) remove(s *Session) {
	sw.mu.Lock()
	_, ok := sw.sessions[s.Addr()]
	if ok {
		delete(sw.sessions, s.Addr())
	}
	sw.mu.Unlock()
	if ok {
		sw.connected.Dec()
	}
}

// DialBatch dials every candidate in addrs not already connected, at most
// cfg.DialBatchSize concurrently, stopping early once target additional
// connections have succeeded (spec.md §4.3 step 3). It never returns an
// error: individual dial failures are PeerUnreachable and are absorbed.
func (sw *Swarm) DialBatch(ctx context.Context, addrs []string, target int) int {
	sem := make(chan struct{}, sw.cfg.DialBatchSize)
	var wg sync.WaitGroup
	var succeeded atomic.Int32

	for _, addr := range addrs {
		addr := addr
		if sw.Has(addr) {
			continue
		}
		if int(succeeded.Load()) >= target {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := sw.DialAndAdd(ctx, addr); err != nil {
				sw.logger.Debugw("peer dial failed", "addr", addr, "error", err)
				return
			}
			succeeded.Inc()
		}()
	}

	wg.Wait()
	return int(succeeded.Load())
}

// Shutdown disconnects every live session. It is used on torrent stop,
// pause, and removal (spec.md §4.1).
func (sw *Swarm) Shutdown() {
	for _, s := range sw.Sessions() {
		s.Disconnect(fmt.Errorf("swarm shutdown"))
	}
}

// BroadcastHave sends a Have(index) message to every connected session,
// announcing a new local piece (spec.md §4.3).
func (sw *Swarm) BroadcastHave(index uint32) {
	for _, s := range sw.Sessions() {
		if err := s.SendHave(index); err != nil {
			sw.logger.Debugw("broadcast have failed", "peer", s.Addr(), "error", err)
		}
	}
}
