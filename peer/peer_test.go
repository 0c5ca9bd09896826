package peer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentcore/metainfo"
	"torrentcore/wire"
)

type recordingEvents struct {
	NopEvents
	mu          sync.Mutex
	bitfields   int
	haves       []int
	chokes      int
	unchokes    int
	pieces      []wire.PiecePayload
	disconnects int
}

func (r *recordingEvents) OnBitfield(s *Session) {
	r.mu.Lock()
	r.bitfields++
	r.mu.Unlock()
}

func (r *recordingEvents) OnHave(s *Session, index int) {
	r.mu.Lock()
	r.haves = append(r.haves, index)
	r.mu.Unlock()
}

func (r *recordingEvents) OnChoke(s *Session) {
	r.mu.Lock()
	r.chokes++
	r.mu.Unlock()
}

func (r *recordingEvents) OnUnchoke(s *Session) {
	r.mu.Lock()
	r.unchokes++
	r.mu.Unlock()
}

func (r *recordingEvents) OnPiece(s *Session, p wire.PiecePayload) {
	r.mu.Lock()
	r.pieces = append(r.pieces, p)
	r.mu.Unlock()
}

func (r *recordingEvents) OnDisconnect(s *Session, err error) {
	r.mu.Lock()
	r.disconnects++
	r.mu.Unlock()
}

func (r *recordingEvents) snapshot() recordingEvents {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recordingEvents{
		bitfields:   r.bitfields,
		haves:       append([]int(nil), r.haves...),
		chokes:      r.chokes,
		unchokes:    r.unchokes,
		pieces:      append([]wire.PiecePayload(nil), r.pieces...),
		disconnects: r.disconnects,
	}
}

// pairedConns builds a TCP loopback pair standing in for a dialled and an
// accepted connection, since net.Pipe's synchronous semantics deadlock
// against the real handshake's blocking writes.
func pairedConns(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-serverCh
	return client, server
}

func TestDialAndAcceptHandshakeAgree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	infoHash := metainfo.InfoHash{1, 2, 3}
	var clientID, serverID [20]byte
	copy(clientID[:], "client-peer-id-01234")
	copy(serverID[:], "server-peer-id-01234")

	serverEvents := &recordingEvents{}
	var serverSession *Session
	var serverErr error

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			serverErr = acceptErr
			return
		}
		remote, decodeErr := wire.DecodeHandshake(conn)
		if decodeErr != nil {
			serverErr = decodeErr
			return
		}
		serverSession, serverErr = Accept(conn, remote, serverID, 4, Config{}, serverEvents, clock.NewMock(), nil)
	}()

	clientEvents := &recordingEvents{}
	clientSession, err := Dial(context.Background(), ln.Addr().String(), infoHash, clientID, 4, Config{}, clientEvents, clock.NewMock(), nil)
	require.NoError(t, err)
	wg.Wait()

	require.NoError(t, serverErr)
	require.NotNil(t, serverSession)
	assert.Equal(t, serverID, clientSession.RemotePeerID())
	assert.Equal(t, clientID, serverSession.RemotePeerID())
	assert.False(t, clientSession.Inbound())
	assert.True(t, serverSession.Inbound())
}

func TestDispatchUpdatesStateAndFiresEvents(t *testing.T) {
	clientConn, serverConn := pairedConns(t)
	defer clientConn.Close()
	defer serverConn.Close()

	events := &recordingEvents{}
	mockClock := clock.NewMock()

	var peerID [20]byte
	s := newSession(serverConn, serverConn.RemoteAddr().String(), peerID, peerID, metainfo.InfoHash{}, true, 4, Config{}.applyDefaults(), events, mockClock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	require.NoError(t, wire.Encode(clientConn, wire.Message{ID: wire.Unchoke}))
	require.NoError(t, wire.Encode(clientConn, wire.Message{ID: wire.Have, Payload: wire.EncodeHave(2)}))
	require.NoError(t, wire.Encode(clientConn, wire.Message{ID: wire.Choke}))

	require.Eventually(t, func() bool {
		snap := events.snapshot()
		return snap.unchokes == 1 && snap.chokes == 1 && len(snap.haves) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, s.PeerHasPiece(2))
	assert.True(t, s.PeerChoking())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	clientConn, serverConn := pairedConns(t)
	defer clientConn.Close()

	events := &recordingEvents{}
	var peerID [20]byte
	s := newSession(serverConn, "test", peerID, peerID, metainfo.InfoHash{}, true, 1, Config{}.applyDefaults(), events, clock.NewMock(), nil)

	s.Disconnect(nil)
	s.Disconnect(nil)
	s.Disconnect(nil)

	snap := events.snapshot()
	assert.Equal(t, 1, snap.disconnects)
	assert.True(t, s.Disconnected())
}

func TestSwarmTracksConnectedCount(t *testing.T) {
	sw := NewSwarm(metainfo.InfoHash{}, [20]byte{}, 4, Config{}, &recordingEvents{}, clock.NewMock(), nil)
	assert.Equal(t, 0, sw.NumConnected())
	assert.False(t, sw.Has("127.0.0.1:1"))
}
