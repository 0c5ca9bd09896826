// Package piece implements the block inventory, the piece-selection
// policies, and the assembly/verification logic described in spec.md §4.4.
package piece

import (
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"torrentcore/bitfield"
	"torrentcore/metainfo"
	"torrentcore/peer"
	"torrentcore/wire"
)

// Disk is the subset of DiskLayout the scheduler consumes (spec.md §4.5),
// named narrowly so this package never depends on the disk package's
// multi-file path-resolution concerns.
type Disk interface {
	WritePiece(index int, data []byte) error
	ReadPiece(index int) ([]byte, error)
}

// Events is the scheduler's callback surface toward the Engine, mirroring
// peer.Events' role one layer up.
type Events interface {
	OnProgress(bytesVerified int64, fraction float64)
	OnPieceVerified(index int)
	OnEmergencyReannounce()
	OnFatal(err error)
}

// Scheduler owns the piece/block inventory for one torrent and implements
// peer.Events directly: it is the PieceScheduler of spec.md §4.4, driven by
// every connected Session's receive loop.
type Scheduler struct {
	mu       sync.Mutex
	pieces   []*Piece
	local    *bitfield.Bitfield // pieces Verified
	sessions map[string]*peer.Session

	policy SelectionPolicy
	disk   Disk
	events Events
	cfg    Config
	clk    clock.Clock
	logger *zap.SugaredLogger

	totalLength         int64
	bytesVerified       int64
	consecutiveFailures int
	peerFailures        map[string]int
}

// New builds a Scheduler from a resolved descriptor (spec.md §4.1 "build
// Piece inventory" on Engine.start).
func New(
	desc *metainfo.Descriptor,
	disk Disk,
	policy SelectionPolicy,
	events Events,
	cfg Config,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if policy == nil {
		policy = RarestFirstPolicy{}
	}

	pieces := make([]*Piece, desc.PieceCount())
	for i := range pieces {
		pieces[i] = newPiece(i, desc.PieceLength(i), desc.PieceHashes[i])
	}

	return &Scheduler{
		pieces:       pieces,
		local:        bitfield.New(len(pieces)),
		sessions:     make(map[string]*peer.Session),
		policy:       policy,
		disk:         disk,
		events:       events,
		cfg:          cfg.applyDefaults(),
		clk:          clk,
		logger:       logger,
		totalLength:  desc.TotalLength,
		peerFailures: make(map[string]int),
	}
}

// Get returns piece i. Index must be valid; callers own bounds-checking
// against PieceCount.
func (sch *Scheduler) Get(i int) *Piece {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.pieces[i]
}

// PieceHashes returns the expected hash of every piece, in index order —
// the "iterator of piece hashes" spec.md §4.4 exposes.
func (sch *Scheduler) PieceHashes() [][20]byte {
	out := make([][20]byte, len(sch.pieces))
	for i, p := range sch.pieces {
		out[i] = p.ExpectedHash
	}
	return out
}

// LocalBitfield returns a snapshot of verified pieces, suitable for sending
// as our outbound Bitfield message.
func (sch *Scheduler) LocalBitfield() *bitfield.Bitfield {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.local.Clone()
}

// IsComplete reports whether every piece has been verified.
func (sch *Scheduler) IsComplete() bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.local.All()
}

// Progress reports bytes verified, fraction complete, and completion.
func (sch *Scheduler) Progress() (int64, float64, bool) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	var fraction float64
	if sch.totalLength > 0 {
		fraction = float64(sch.bytesVerified) / float64(sch.totalLength)
	}
	return sch.bytesVerified, fraction, sch.local.All()
}

// --- peer.Events ------------------------------------------------------- //

func (sch *Scheduler) OnBitfield(s *peer.Session) {
	sch.registerSession(s)
	sch.onPeerAnnouncedPieces(s)
}

func (sch *Scheduler) OnHave(s *peer.Session, index int) {
	sch.registerSession(s)
	sch.onPeerAnnouncedPieces(s)
}

func (sch *Scheduler) OnChoke(s *peer.Session) {
	sch.resetInFlightFrom(s.Addr())
}

func (sch *Scheduler) OnUnchoke(s *peer.Session) {
	sch.fillRequests(s)
}

func (sch *Scheduler) OnInterested(s *peer.Session)    {}
func (sch *Scheduler) OnNotInterested(s *peer.Session) {}

func (sch *Scheduler) OnPiece(s *peer.Session, payload wire.PiecePayload) {
	sch.recordBlock(s.Addr(), payload)
	sch.fillRequests(s)
}

// OnRequest serves a block from disk if we hold it and are not choking the
// requester. There is no separate outbound response queue: this package
// does not implement upload/seeding credit accounting (an explicit
// non-goal), so the response is generated synchronously and best-effort.
func (sch *Scheduler) OnRequest(s *peer.Session, payload wire.RequestPayload) {
	if s.AmChoking() {
		return
	}
	sch.mu.Lock()
	have := int(payload.Index) < len(sch.pieces) && sch.local.Test(int(payload.Index))
	sch.mu.Unlock()
	if !have {
		return
	}

	data, err := sch.disk.ReadPiece(int(payload.Index))
	if err != nil {
		sch.logger.Warnw("read piece for upload failed", "index", payload.Index, "error", err)
		return
	}
	end := payload.Begin + payload.Length
	if int(end) > len(data) {
		return
	}
	_ = s.SendPiece(wire.PiecePayload{Index: payload.Index, Begin: payload.Begin, Block: data[payload.Begin:end]})
}

// OnCancel is a no-op: since OnRequest answers synchronously rather than
// queuing, there is usually nothing left to cancel by the time Cancel
// arrives.
func (sch *Scheduler) OnCancel(s *peer.Session, payload wire.RequestPayload) {}

func (sch *Scheduler) OnDisconnect(s *peer.Session, err error) {
	sch.onPeerDropped(s.Addr())
}

// --- internal ------------------------------------------------------------

func (sch *Scheduler) registerSession(s *peer.Session) {
	sch.mu.Lock()
	sch.sessions[s.Addr()] = s
	sch.mu.Unlock()
}

func (sch *Scheduler) onPeerAnnouncedPieces(s *peer.Session) {
	sch.mu.Lock()
	wantsSomething := false
	for i, p := range sch.pieces {
		if p.State != Verified && s.PeerHasPiece(i) {
			wantsSomething = true
			break
		}
	}
	sch.mu.Unlock()

	if !wantsSomething {
		return
	}
	if !s.AmInterested() {
		_ = s.SendInterested()
	}
	if !s.PeerChoking() {
		sch.fillRequests(s)
	}
}

// rarity counts, across every known session, how many have announced piece
// i. Caller must hold sch.mu.
func (sch *Scheduler) rarityLocked(i int) int {
	n := 0
	for _, s := range sch.sessions {
		if s.PeerHasPiece(i) {
			n++
		}
	}
	return n
}

// pickPieceLocked chooses a piece to request next from s, preferring
// pieces with an in-flight block over fresh ones (spec.md §4.4). Caller
// must hold sch.mu.
func (sch *Scheduler) pickPieceLocked(s *peer.Session) (int, bool) {
	fresh := bitset.New(uint(len(sch.pieces)))
	inProgress := bitset.New(uint(len(sch.pieces)))

	for i, p := range sch.pieces {
		if p.State == Verified || !p.HasIdleBlock() || !s.PeerHasPiece(i) {
			continue
		}
		if p.HasInFlightBlock() {
			inProgress.Set(uint(i))
		} else {
			fresh.Set(uint(i))
		}
	}

	rarity := sch.rarityLocked
	if idx, ok := sch.policy.SelectPiece(inProgress, rarity); ok {
		return idx, true
	}
	return sch.policy.SelectPiece(fresh, rarity)
}

// fillRequests issues new block requests to s up to the per-peer inflight
// cap. It never holds sch.mu across network I/O (spec.md §5's "scheduler
// decisions run without yielding" rule).
func (sch *Scheduler) fillRequests(s *peer.Session) {
	addr := s.Addr()
	for {
		sch.mu.Lock()
		if sch.countInFlightLocked(addr) >= sch.cfg.MaxInflightPerPeer {
			sch.mu.Unlock()
			return
		}
		idx, ok := sch.pickPieceLocked(s)
		if !ok {
			sch.mu.Unlock()
			return
		}
		p := sch.pieces[idx]
		p.State = InProgress
		blk := firstIdleBlock(p)
		if blk == nil {
			sch.mu.Unlock()
			return
		}
		blk.State = BlockRequested
		blk.RequestedAt = sch.clk.Now()
		blk.RequestedBy = addr
		req := wire.RequestPayload{Index: uint32(idx), Begin: blk.Offset, Length: blk.Length}
		sch.mu.Unlock()

		if err := s.SendRequest(req); err != nil {
			sch.mu.Lock()
			blk.State = BlockIdle
			blk.RequestedBy = ""
			sch.mu.Unlock()
			return
		}
	}
}

func firstIdleBlock(p *Piece) *Block {
	for _, b := range p.Blocks {
		if b.State == BlockIdle {
			return b
		}
	}
	return nil
}

func (sch *Scheduler) countInFlightLocked(addr string) int {
	n := 0
	for _, p := range sch.pieces {
		for _, b := range p.Blocks {
			if b.State == BlockRequested && b.RequestedBy == addr {
				n++
			}
		}
	}
	return n
}

// recordBlock is PieceScheduler.record_block (spec.md §4.4's Assembly
// section).
func (sch *Scheduler) recordBlock(peerAddr string, payload wire.PiecePayload) {
	sch.mu.Lock()

	if int(payload.Index) >= len(sch.pieces) {
		sch.mu.Unlock()
		return
	}
	p := sch.pieces[payload.Index]

	var blk *Block
	for _, b := range p.Blocks {
		if b.Offset == payload.Begin && int(b.Length) == len(payload.Block) {
			blk = b
			break
		}
	}
	if blk == nil || blk.State != BlockRequested {
		sch.mu.Unlock()
		return // absent or mismatched: drop per spec.md §4.4
	}
	blk.State = BlockReceived
	blk.Data = payload.Block

	if !p.AllReceived() {
		sch.mu.Unlock()
		return
	}

	data := p.Assemble()
	sum := sha1.Sum(data)
	index := p.Index

	if sum == p.ExpectedHash {
		p.State = Verified
		sch.local.Set(index)
		sch.bytesVerified += p.Length
		sch.consecutiveFailures = 0
		delete(sch.peerFailures, peerAddr)
		verified, fraction := sch.bytesVerified, sch.fractionLocked()
		sch.mu.Unlock()

		if err := sch.disk.WritePiece(index, data); err != nil {
			sch.logger.Errorw("write verified piece failed", "index", index, "error", err)
			sch.events.OnFatal(fmt.Errorf("write piece %d: %w", index, err))
			return
		}
		sch.events.OnPieceVerified(index)
		sch.events.OnProgress(verified, fraction)
		sch.broadcastHave(uint32(index))
		return
	}

	// Hash mismatch: reset every block, mark for immediate re-download,
	// demote the offending peer (spec.md §4.4).
	p.ResetAll()
	p.State = Missing
	sch.consecutiveFailures++
	sch.peerFailures[peerAddr]++
	failures := sch.consecutiveFailures
	peerFailureCount := sch.peerFailures[peerAddr]
	offender := sch.sessions[peerAddr]
	sch.mu.Unlock()

	sch.logger.Warnw("piece hash mismatch", "index", index, "peer", peerAddr)

	if peerFailureCount >= sch.cfg.FailureDemoteThreshold && offender != nil {
		offender.Disconnect(fmt.Errorf("disconnected after %d consecutive hash failures", peerFailureCount))
	}
	if failures >= sch.cfg.HardFailureCeiling {
		sch.events.OnFatal(fmt.Errorf("consecutive piece failures reached hard ceiling (%d)", failures))
	} else if failures >= sch.cfg.EmergencyReannounceThreshold {
		sch.events.OnEmergencyReannounce()
	}
}

func (sch *Scheduler) fractionLocked() float64 {
	if sch.totalLength == 0 {
		return 0
	}
	return float64(sch.bytesVerified) / float64(sch.totalLength)
}

func (sch *Scheduler) broadcastHave(index uint32) {
	sch.mu.Lock()
	sessions := make([]*peer.Session, 0, len(sch.sessions))
	for _, s := range sch.sessions {
		sessions = append(sessions, s)
	}
	sch.mu.Unlock()

	for _, s := range sessions {
		_ = s.SendHave(index)
	}
}

// onPeerDropped resets every block in flight from peerAddr back to Idle
// (spec.md §4.3's "disconnects at any point cause the scheduler to reset
// all that peer's in-flight blocks") and forgets the session.
func (sch *Scheduler) onPeerDropped(peerAddr string) {
	sch.resetInFlightFrom(peerAddr)
	sch.mu.Lock()
	delete(sch.sessions, peerAddr)
	delete(sch.peerFailures, peerAddr)
	sch.mu.Unlock()
}

func (sch *Scheduler) resetInFlightFrom(peerAddr string) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	for _, p := range sch.pieces {
		p.ResetBlocksFrom(peerAddr)
		if p.State == InProgress && !p.HasInFlightBlock() {
			hasReceived := false
			for _, b := range p.Blocks {
				if b.State == BlockReceived {
					hasReceived = true
					break
				}
			}
			if !hasReceived {
				p.State = Missing
			}
		}
	}
}

// SweepTimeouts reverts every Requested block older than BlockTimeout to
// Idle (spec.md §4.4's "Request timeout: 30s"). The download loop calls
// this on a periodic tick.
func (sch *Scheduler) SweepTimeouts() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	now := sch.clk.Now()
	for _, p := range sch.pieces {
		for _, b := range p.Blocks {
			if b.State == BlockRequested && now.Sub(b.RequestedAt) >= sch.cfg.BlockTimeout {
				b.State = BlockIdle
				b.RequestedBy = ""
			}
		}
	}
}
