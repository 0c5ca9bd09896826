package piece

// State is a piece's place in the verification lifecycle (spec.md §3).
type State int

const (
	Missing State = iota
	InProgress
	CompleteUnverified
	Verified
	InvalidPendingRetry
)

func (s State) String() string {
	switch s {
	case Missing:
		return "Missing"
	case InProgress:
		return "InProgress"
	case CompleteUnverified:
		return "CompleteUnverified"
	case Verified:
		return "Verified"
	case InvalidPendingRetry:
		return "InvalidPendingRetry"
	default:
		return "Unknown"
	}
}

// Piece is one fixed-size (except possibly the last) chunk of the torrent's
// content (spec.md §3). Pieces are created once at the start of a download
// and live for the Scheduler's lifetime; callers holding a *Piece must go
// through Scheduler for any mutation — Piece itself is not separately
// locked, following the outer Scheduler's "one short-lived mutex per
// structure" policy (spec.md §5).
type Piece struct {
	Index        int
	Length       int64
	ExpectedHash [20]byte
	Blocks       []*Block
	State        State
}

func newPiece(index int, length int64, hash [20]byte) *Piece {
	return &Piece{
		Index:        index,
		Length:       length,
		ExpectedHash: hash,
		Blocks:       newBlocks(length),
		State:        Missing,
	}
}

// AllReceived reports whether every block has been received.
func (p *Piece) AllReceived() bool {
	for _, b := range p.Blocks {
		if b.State != BlockReceived {
			return false
		}
	}
	return true
}

// HasIdleBlock reports whether at least one block can still be requested.
func (p *Piece) HasIdleBlock() bool {
	for _, b := range p.Blocks {
		if b.State == BlockIdle {
			return true
		}
	}
	return false
}

// HasInFlightBlock reports whether at least one block is already Requested,
// the signal the selection policy uses to prefer finishing this piece over
// starting a fresh one (spec.md §4.4).
func (p *Piece) HasInFlightBlock() bool {
	for _, b := range p.Blocks {
		if b.State == BlockRequested {
			return true
		}
	}
	return false
}

// Assemble concatenates every block's data in ascending offset order. It
// must only be called once AllReceived reports true.
func (p *Piece) Assemble() []byte {
	out := make([]byte, 0, p.Length)
	for _, b := range p.Blocks {
		out = append(out, b.Data...)
	}
	return out
}

// ResetAll reverts every block to Idle and discards any received data,
// used on a hash-mismatch retry (spec.md §4.4). A peer that disconnects or
// chokes is handled by ResetBlocksFrom instead.
func (p *Piece) ResetAll() {
	for _, b := range p.Blocks {
		b.State = BlockIdle
		b.Data = nil
		b.RequestedBy = ""
	}
}

// ResetBlocksFrom reverts to Idle every block currently Requested from
// peerAddr, leaving Received blocks from other peers untouched.
func (p *Piece) ResetBlocksFrom(peerAddr string) {
	for _, b := range p.Blocks {
		if b.State == BlockRequested && b.RequestedBy == peerAddr {
			b.State = BlockIdle
		}
	}
}
