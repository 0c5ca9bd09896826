package metainfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentcore/internal/bencode"
)

func buildTestTorrent(t *testing.T, pieces string, files interface{}) []byte {
	t.Helper()
	info := map[string]interface{}{
		"piece length": int64(16384),
		"pieces":       pieces,
		"name":         "t1.bin",
	}
	switch f := files.(type) {
	case int64:
		info["length"] = f
	case []map[string]interface{}:
		info["files"] = f
	}
	top := map[string]interface{}{
		"announce": "http://tracker.example.com/announce",
		"info":     info,
	}
	data, err := bencode.Marshal(top)
	require.NoError(t, err)
	return data
}

func TestParseFileSingleFile(t *testing.T) {
	pieces := string(make([]byte, 40)) // two zero hashes
	data := buildTestTorrent(t, pieces, int64(32768))

	d, err := ParseFile(data)
	require.NoError(t, err)
	assert.Equal(t, "t1.bin", d.Name)
	assert.Equal(t, 2, d.PieceCount())
	assert.Equal(t, int64(32768), d.TotalLength)
	assert.Len(t, d.Files, 1)
	assert.Equal(t, int64(0), d.Files[0].Offset)
	assert.NotEqual(t, InfoHash{}, d.InfoHash)
}

func TestParseFileRejectsBadPiecesLength(t *testing.T) {
	data := buildTestTorrent(t, "not-a-multiple-of-20-bytes!", int64(100))
	_, err := ParseFile(data)
	require.Error(t, err)
	var merr *MalformedError
	require.ErrorAs(t, err, &merr)
}

func TestParseMagnetHexAndBase32(t *testing.T) {
	hex := "0123456789abcdef0123456789abcdef01234567"[:40]
	m, err := ParseMagnet("magnet:?xt=urn:btih:" + hex + "&dn=cool-name&tr=http://tracker.example.com/announce")
	require.NoError(t, err)
	assert.Equal(t, "cool-name", m.Name)
	assert.Contains(t, m.Trackers, "http://tracker.example.com/announce")

	// The same 20 bytes in RFC-4648 base32.
	b32, err := ParseMagnet("magnet:?xt=urn:btih:AERUKZ4JVPG66AJDIVTYTK6N54ASGRLH")
	require.NoError(t, err)
	assert.Equal(t, m.InfoHash, b32.InfoHash)
}

func TestParseMagnetRequiresHash(t *testing.T) {
	_, err := ParseMagnet("magnet:?dn=missing-hash")
	require.Error(t, err)
}

func TestPieceLengthLastPieceTruncated(t *testing.T) {
	d := &Descriptor{
		NominalPieceLength: 16384,
		TotalLength:        16384 + 100,
		PieceHashes:        make([][20]byte, 2),
	}
	assert.Equal(t, int64(16384), d.PieceLength(0))
	assert.Equal(t, int64(100), d.PieceLength(1))
}

func TestPieceLengthEvenlyDivisible(t *testing.T) {
	d := &Descriptor{
		NominalPieceLength: 16384,
		TotalLength:        32768,
		PieceHashes:        make([][20]byte, 2),
	}
	assert.Equal(t, int64(16384), d.PieceLength(1))
}

func TestSanitizePathComponent(t *testing.T) {
	assert.Equal(t, "a_b_c", SanitizePathComponent("a<b>c"))
	assert.Equal(t, "_", SanitizePathComponent(".."))
}
