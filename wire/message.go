package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID is the single byte following the length prefix of a framed
// message (spec.md §4.6).
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitfieldMsg
	Request
	Piece
	Cancel
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case BitfieldMsg:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(id))
	}
}

// MaxMessageSize is the safety cap on a single framed message (spec.md
// §4.3): legitimate Piece messages are at most BlockMaxLength+9 bytes.
const MaxMessageSize = 2 * 1024 * 1024

// BlockMaxLength is the largest permitted block size (spec.md §3).
const BlockMaxLength = 16384

// Message is a decoded framed message. A KeepAlive is represented as a
// Message with IsKeepAlive set and all other fields zero.
type Message struct {
	IsKeepAlive bool
	ID          MessageID
	Payload     []byte
}

// KeepAlive constructs a zero-length keep-alive message.
func KeepAlive() Message { return Message{IsKeepAlive: true} }

// Encode writes the length-prefixed frame for m to w. Writes performed by
// Encode must be serialized per connection by the caller (spec.md §5):
// Encode itself does not hold any lock.
func Encode(w io.Writer, m Message) error {
	if m.IsKeepAlive {
		var lenBuf [4]byte
		_, err := w.Write(lenBuf[:])
		return err
	}

	body := make([]byte, 1+len(m.Payload))
	body[0] = byte(m.ID)
	copy(body[1:], m.Payload)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// Decode reads one framed message from r, applying the MaxMessageSize cap.
// Unknown message type ids are returned as-is (Decode does not interpret
// payloads) — it is the caller's job to skip unknown ids per spec.md §4.6.
func Decode(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if length == 0 {
		return KeepAlive(), nil
	}
	if length > MaxMessageSize {
		return Message{}, fmt.Errorf("message length %d exceeds cap %d", length, MaxMessageSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read message body: %w", err)
	}

	var payload []byte
	if length > 1 {
		payload = body[1:]
	}
	return Message{
		ID:      MessageID(body[0]),
		Payload: payload,
	}, nil
}

// EncodeHave builds the payload for a Have(index) message.
func EncodeHave(index uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return buf
}

// DecodeHave parses a Have payload.
func DecodeHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("have: expected 4-byte payload, got %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// RequestPayload is the common (index, begin, length) tuple shared by
// Request and Cancel messages.
type RequestPayload struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// Encode serializes a RequestPayload.
func (p RequestPayload) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], p.Index)
	binary.BigEndian.PutUint32(buf[4:8], p.Begin)
	binary.BigEndian.PutUint32(buf[8:12], p.Length)
	return buf
}

// DecodeRequestPayload parses a Request or Cancel payload.
func DecodeRequestPayload(payload []byte) (RequestPayload, error) {
	if len(payload) != 12 {
		return RequestPayload{}, fmt.Errorf("request: expected 12-byte payload, got %d", len(payload))
	}
	return RequestPayload{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// PiecePayload is the decoded (index, begin, block) payload of a Piece
// message.
type PiecePayload struct {
	Index uint32
	Begin uint32
	Block []byte
}

// Encode serializes a PiecePayload.
func (p PiecePayload) Encode() []byte {
	buf := make([]byte, 8+len(p.Block))
	binary.BigEndian.PutUint32(buf[0:4], p.Index)
	binary.BigEndian.PutUint32(buf[4:8], p.Begin)
	copy(buf[8:], p.Block)
	return buf
}

// DecodePiecePayload parses a Piece message payload.
func DecodePiecePayload(payload []byte) (PiecePayload, error) {
	if len(payload) < 8 {
		return PiecePayload{}, fmt.Errorf("piece: payload too short (%d bytes)", len(payload))
	}
	return PiecePayload{
		Index: binary.BigEndian.Uint32(payload[0:4]),
		Begin: binary.BigEndian.Uint32(payload[4:8]),
		Block: payload[8:],
	}, nil
}
