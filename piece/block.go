package piece

import "time"

// BlockState is a block's position in the request lifecycle (spec.md §3).
type BlockState int

const (
	BlockIdle BlockState = iota
	BlockRequested
	BlockReceived
)

func (s BlockState) String() string {
	switch s {
	case BlockIdle:
		return "Idle"
	case BlockRequested:
		return "Requested"
	case BlockReceived:
		return "Received"
	default:
		return "Unknown"
	}
}

// Block is one sub-unit of a Piece, at most BlockLength bytes (spec.md §3).
type Block struct {
	Offset uint32
	Length uint32

	State       BlockState
	RequestedAt time.Time
	RequestedBy string // peer session address that owns the in-flight request
	Data        []byte
}

func newBlocks(pieceLength int64) []*Block {
	n := (pieceLength + BlockLength - 1) / BlockLength
	blocks := make([]*Block, 0, n)
	var offset int64
	for offset < pieceLength {
		length := int64(BlockLength)
		if remaining := pieceLength - offset; remaining < length {
			length = remaining
		}
		blocks = append(blocks, &Block{Offset: uint32(offset), Length: uint32(length)})
		offset += length
	}
	return blocks
}
