package engine

import "torrentcore/metainfo"

// EventKind distinguishes the three notifications the Engine's event
// channel delivers (spec.md §4.1, SPEC_FULL.md §3 "Event").
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "Added"
	case EventRemoved:
		return "Removed"
	case EventUpdated:
		return "Updated"
	default:
		return "Unknown"
	}
}

// UpdatedField names one TorrentView attribute an Updated event reports as
// changed (SPEC_FULL.md §3).
type UpdatedField string

const (
	FieldState    UpdatedField = "state"
	FieldProgress UpdatedField = "progress"
	FieldPeers    UpdatedField = "peers"
	FieldRate     UpdatedField = "rate"
)

// Event is one entry on the Engine's notification stream. Fields is only
// meaningful when Kind is EventUpdated; correlation carries a per-event id
// a consumer can use to deduplicate or order deliveries.
type Event struct {
	Kind          EventKind
	InfoHash      metainfo.InfoHash
	Fields        []UpdatedField
	CorrelationID string
}

// TorrentView is the read-only snapshot Engine.List hands out (SPEC_FULL.md
// §3): nothing in it aliases engine-internal mutable state.
type TorrentView struct {
	InfoHash       metainfo.InfoHash
	Name           string
	State          State
	BytesVerified  int64
	TotalLength    int64
	ConnectedPeers int
	RateBytesPerS  float64
}
