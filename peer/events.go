package peer

import "torrentcore/wire"

// Events is the callback surface a Session drives as it decodes incoming
// messages (spec.md §4.3's peer state machine table). A PieceScheduler
// implements this interface; Session never imports the scheduler package,
// breaking the natural import cycle the same way uber-kraken's
// announcer.Events does for the tracker side (lib/torrent/scheduler/announcer/announcer.go).
type Events interface {
	// OnBitfield fires when the peer's Bitfield message arrives, normally
	// the first message after the handshake.
	OnBitfield(s *Session)

	// OnHave fires for each Have(index) message.
	OnHave(s *Session, index int)

	// OnChoke fires when the peer chokes us; in-flight requests to this
	// peer must be abandoned by the receiver.
	OnChoke(s *Session)

	// OnUnchoke fires when the peer unchokes us.
	OnUnchoke(s *Session)

	// OnInterested and OnNotInterested track the peer's interest in our
	// pieces; relevant only to the (out of scope) seeding request queue.
	OnInterested(s *Session)
	OnNotInterested(s *Session)

	// OnPiece fires for every received block.
	OnPiece(s *Session, payload wire.PiecePayload)

	// OnRequest fires when the peer asks us for a block.
	OnRequest(s *Session, payload wire.RequestPayload)

	// OnCancel fires when the peer withdraws an earlier Request.
	OnCancel(s *Session, payload wire.RequestPayload)

	// OnDisconnect fires exactly once per session, regardless of which
	// path (I/O error, local close, idle timeout) triggered it.
	OnDisconnect(s *Session, err error)
}

// NopEvents is a no-op Events implementation, useful for tests that only
// exercise the wire-level framing.
type NopEvents struct{}

func (NopEvents) OnBitfield(*Session)                        {}
func (NopEvents) OnHave(*Session, int)                        {}
func (NopEvents) OnChoke(*Session)                            {}
func (NopEvents) OnUnchoke(*Session)                          {}
func (NopEvents) OnInterested(*Session)                       {}
func (NopEvents) OnNotInterested(*Session)                    {}
func (NopEvents) OnPiece(*Session, wire.PiecePayload)         {}
func (NopEvents) OnRequest(*Session, wire.RequestPayload)     {}
func (NopEvents) OnCancel(*Session, wire.RequestPayload)      {}
func (NopEvents) OnDisconnect(*Session, error)                {}
