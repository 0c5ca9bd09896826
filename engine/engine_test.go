package engine

import (
	"crypto/sha1"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentcore/metainfo"
	"torrentcore/wire"
)

// compactPeerBlob encodes addr as one 6-byte compact peer record.
func compactPeerBlob(t *testing.T, addr string) string {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	ip := net.ParseIP(host).To4()
	require.NotNil(t, ip, "only IPv4 loopback is used in this test")
	var port uint16
	_, err = fmt_Sscan(portStr, &port)
	require.NoError(t, err)

	buf := make([]byte, 6)
	copy(buf, ip)
	binary.BigEndian.PutUint16(buf[4:], port)
	return string(buf)
}

// fmt_Sscan avoids importing fmt solely for one conversion call in the test
// helper above.
func fmt_Sscan(s string, v *uint16) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	*v = uint16(n)
	return 1, nil
}

// runFakeSeeder accepts one inbound connection on ln, completes the
// handshake as the remote side, announces full availability, and answers
// every Request with the matching slice of payload until the connection
// closes — the same pattern piece.TestSchedulerDownloadsAndVerifiesFromOnePeer
// uses one layer down, exercised here through the full Engine wiring.
func runFakeSeeder(t *testing.T, ln net.Listener, infoHash metainfo.InfoHash, payload []byte) {
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	remote, err := wire.DecodeHandshake(conn)
	require.NoError(t, err)
	require.Equal(t, infoHash, remote.InfoHash)

	var remoteID [20]byte
	out := wire.Handshake{InfoHash: infoHash, PeerID: remoteID}
	require.NoError(t, out.Encode(conn))

	require.NoError(t, wire.Encode(conn, wire.Message{ID: wire.BitfieldMsg, Payload: []byte{0x80}}))
	require.NoError(t, wire.Encode(conn, wire.Message{ID: wire.Unchoke}))

	for {
		msg, err := wire.Decode(conn)
		if err != nil {
			return
		}
		if msg.IsKeepAlive || msg.ID != wire.Request {
			continue
		}
		req, err := wire.DecodeRequestPayload(msg.Payload)
		require.NoError(t, err)
		end := req.Begin + req.Length
		_ = wire.Encode(conn, wire.Message{
			ID: wire.Piece,
			Payload: wire.PiecePayload{
				Index: req.Index,
				Begin: req.Begin,
				Block: payload[req.Begin:end],
			}.Encode(),
		})
	}
}

func TestEngineDownloadsSingleFileFromOneSeeder(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog!!!!")
	hash := sha1.Sum(payload)

	desc := &metainfo.Descriptor{
		Name:               "fox.txt",
		NominalPieceLength: int64(len(payload)),
		PieceHashes:        [][20]byte{hash},
		TotalLength:        int64(len(payload)),
		Files:              []metainfo.FileEntry{{Path: "fox.txt", Length: int64(len(payload)), Offset: 0}},
		InfoHash:           metainfo.InfoHash{1, 2, 3, 4, 5},
	}

	seederLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer seederLn.Close()
	go runFakeSeeder(t, seederLn, desc.InfoHash, payload)

	peerBlob := compactPeerBlob(t, seederLn.Addr().String())
	trackerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d8:intervali1800e5:peers" + itoa(len(peerBlob)) + ":" + peerBlob + "e"))
	}))
	defer trackerSrv.Close()
	desc.Trackers = []string{trackerSrv.URL}

	cfg := Config{}
	cfg.StalledCycleWait = 50 * time.Millisecond
	cfg.StalledCycles = 3
	cfg.TimeoutSweepInterval = 50 * time.Millisecond
	cfg.ReannounceInterval = time.Hour // keep the background loop quiet for this test
	cfg.Tracker.CycleDeadline = 2 * time.Second
	cfg.Tracker.HTTPTimeout = 2 * time.Second

	e, err := New(cfg, nil)
	require.NoError(t, err)
	defer e.Shutdown()

	h, err := e.AddFromDescriptor(desc)
	require.NoError(t, err)

	saveRoot := t.TempDir()
	require.NoError(t, e.Start(h, saveRoot))

	require.Eventually(t, func() bool {
		views := e.List()
		return len(views) == 1 && views[0].State == Seeding
	}, 5*time.Second, 20*time.Millisecond)

	views := e.List()
	require.Len(t, views, 1)
	assert.Equal(t, int64(len(payload)), views[0].BytesVerified)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestStartIsNoOpWhileDownloading(t *testing.T) {
	desc := &metainfo.Descriptor{
		Name:               "noop",
		NominalPieceLength: 8,
		PieceHashes:        [][20]byte{{}},
		TotalLength:        8,
		Files:              []metainfo.FileEntry{{Path: "noop", Length: 8, Offset: 0}},
		InfoHash:           metainfo.InfoHash{9},
	}
	cfg := Config{}
	cfg.StalledCycleWait = time.Hour // never fires during this test

	e, err := New(cfg, nil)
	require.NoError(t, err)
	defer e.Shutdown()

	h, err := e.AddFromDescriptor(desc)
	require.NoError(t, err)

	saveRoot := t.TempDir()
	require.NoError(t, e.Start(h, saveRoot))
	require.NoError(t, e.Start(h, saveRoot)) // second call must be a no-op, not an error

	tc := e.lookup(h)
	require.NotNil(t, tc)
	assert.Equal(t, Downloading, tc.snapshot().State)
}

func TestAddFromMagnetRequiresResolvedMetadataToStart(t *testing.T) {
	e, err := New(Config{}, nil)
	require.NoError(t, err)
	defer e.Shutdown()

	h, err := e.AddFromMagnet("magnet:?xt=urn:btih:" + "0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)

	err = e.Start(h, t.TempDir())
	assert.ErrorIs(t, err, ErrNoResolvedPieces)
}
