package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentcore/metainfo"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var h Handshake
	h.InfoHash = metainfo.InfoHash{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	copy(h.PeerID[:], "-GT0001-abcdefghijkl")

	var buf bytes.Buffer
	require.NoError(t, h.Encode(&buf))
	assert.Equal(t, HandshakeLen, buf.Len())

	decoded, err := DecodeHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, h.InfoHash, decoded.InfoHash)
	assert.Equal(t, h.PeerID, decoded.PeerID)
}

func TestDecodeHandshakeRejectsWrongProtocol(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(19)
	buf.WriteString("Not BitTorrent proto")
	buf.Write(make([]byte, 48))
	_, err := DecodeHandshake(&buf)
	require.Error(t, err)
}

func TestKeepAliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, KeepAlive()))
	msg, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, msg.IsKeepAlive)
}

func TestMessageRoundTripAllTypes(t *testing.T) {
	messages := []Message{
		{ID: Choke},
		{ID: Unchoke},
		{ID: Interested},
		{ID: NotInterested},
		{ID: Have, Payload: EncodeHave(7)},
		{ID: BitfieldMsg, Payload: []byte{0xFF, 0x00}},
		{ID: Request, Payload: RequestPayload{Index: 1, Begin: 2, Length: 3}.Encode()},
		{ID: Piece, Payload: PiecePayload{Index: 1, Begin: 0, Block: []byte("hello")}.Encode()},
		{ID: Cancel, Payload: RequestPayload{Index: 1, Begin: 2, Length: 3}.Encode()},
	}

	for _, m := range messages {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, m))
		decoded, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, m.ID, decoded.ID)
		assert.Equal(t, m.Payload, decoded.Payload)
	}
}

func TestDecodeRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	// length far beyond MaxMessageSize
	lenBuf[0] = 0x7F
	buf.Write(lenBuf)
	_, err := Decode(&buf)
	require.Error(t, err)
}

func TestUnknownMessageIDIsNotAnError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Message{ID: MessageID(200), Payload: []byte{1, 2, 3}}))
	msg, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MessageID(200), msg.ID)
}

func TestHavePayloadRoundTrip(t *testing.T) {
	idx, err := DecodeHave(EncodeHave(42))
	require.NoError(t, err)
	assert.Equal(t, uint32(42), idx)
}

func TestPiecePayloadRejectsShortPayload(t *testing.T) {
	_, err := DecodePiecePayload([]byte{1, 2, 3})
	require.Error(t, err)
}
