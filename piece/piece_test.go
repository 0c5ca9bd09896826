package piece

import (
	"context"
	"crypto/sha1"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"torrentcore/metainfo"
	"torrentcore/peer"
	"torrentcore/wire"
)

// --- SelectionPolicy ------------------------------------------------------

func TestSequentialPolicyPicksLowestIndex(t *testing.T) {
	candidates := bitset.New(8)
	candidates.Set(5)
	candidates.Set(2)
	candidates.Set(3)

	idx, ok := SequentialPolicy{}.SelectPiece(candidates, func(int) int { return 0 })
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestRarestFirstPolicyBreaksTiesByIndex(t *testing.T) {
	candidates := bitset.New(8)
	candidates.Set(1)
	candidates.Set(4)
	candidates.Set(6)

	rarity := map[int]int{1: 3, 4: 1, 6: 1}
	idx, ok := RarestFirstPolicy{}.SelectPiece(candidates, func(i int) int { return rarity[i] })
	require.True(t, ok)
	assert.Equal(t, 4, idx, "piece 4 and 6 are tied at rarity 1; lowest index wins")
}

func TestSelectPieceOnEmptyCandidatesFails(t *testing.T) {
	_, ok := SequentialPolicy{}.SelectPiece(bitset.New(4), func(int) int { return 0 })
	assert.False(t, ok)
}

// --- Piece/Block ----------------------------------------------------------

func TestPieceAssembleConcatenatesInOrder(t *testing.T) {
	p := newPiece(0, 20000, [20]byte{})
	require.Len(t, p.Blocks, 2) // 16384 + 3616

	p.Blocks[0].Data = make([]byte, p.Blocks[0].Length)
	p.Blocks[0].Data[0] = 0xAA
	p.Blocks[0].State = BlockReceived
	p.Blocks[1].Data = make([]byte, p.Blocks[1].Length)
	p.Blocks[1].Data[0] = 0xBB
	p.Blocks[1].State = BlockReceived

	require.True(t, p.AllReceived())
	out := p.Assemble()
	assert.Len(t, out, 20000)
	assert.Equal(t, byte(0xAA), out[0])
	assert.Equal(t, byte(0xBB), out[16384])
}

func TestResetAllClearsDataAndState(t *testing.T) {
	p := newPiece(0, 16, [20]byte{})
	p.Blocks[0].State = BlockReceived
	p.Blocks[0].Data = []byte("xxxxxxxxxxxxxxxx")
	p.ResetAll()
	assert.Equal(t, BlockIdle, p.Blocks[0].State)
	assert.Nil(t, p.Blocks[0].Data)
}

// --- fakes ------------------------------------------------------------- //

type fakeDisk struct {
	mu      sync.Mutex
	written map[int][]byte
}

func newFakeDisk() *fakeDisk { return &fakeDisk{written: make(map[int][]byte)} }

func (d *fakeDisk) WritePiece(index int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := append([]byte(nil), data...)
	d.written[index] = cp
	return nil
}

func (d *fakeDisk) ReadPiece(index int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written[index], nil
}

type fakeEvents struct {
	mu       sync.Mutex
	verified []int
	fatal    []error
}

func (e *fakeEvents) OnProgress(int64, float64) {}
func (e *fakeEvents) OnPieceVerified(index int) {
	e.mu.Lock()
	e.verified = append(e.verified, index)
	e.mu.Unlock()
}
func (e *fakeEvents) OnEmergencyReannounce() {}
func (e *fakeEvents) OnFatal(err error) {
	e.mu.Lock()
	e.fatal = append(e.fatal, err)
	e.mu.Unlock()
}

func (e *fakeEvents) snapshotVerified() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.verified...)
}

// --- integration over a real session --------------------------------- //

// TestSchedulerDownloadsAndVerifiesFromOnePeer wires a Scheduler to one live peer.Session (acting as the
// remote side of a real TCP connection) and answers every Request the
// scheduler issues with the correct block data, proving record_block,
// verification, and disk write-through end to end (spec.md §8 scenario 1).
func TestSchedulerDownloadsAndVerifiesFromOnePeer(t *testing.T) {
	piece0 := make([]byte, 16)
	piece1 := []byte("0123456789abcdef")
	hash0 := sha1.Sum(piece0)
	hash1 := sha1.Sum(piece1)

	desc := &metainfo.Descriptor{
		NominalPieceLength: 16,
		PieceHashes: [][20]byte{hash0, hash1},
		TotalLength: 32,
	}

	disk := newFakeDisk()
	events := &fakeEvents{}
	sch := New(desc, disk, SequentialPolicy{}, events, Config{}, clock.NewMock(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var localID, remoteID [20]byte
	infoHash := metainfo.InfoHash{9, 9, 9}

	serverDone := make(chan *peer.Session, 1)
	go func() {
		conn, acceptErr := ln.Accept()
		require.NoError(t, acceptErr)
		remote, decodeErr := wire.DecodeHandshake(conn)
		require.NoError(t, decodeErr)
		s, acceptSessErr := peer.Accept(conn, remote, localID, 2, peer.Config{}, sch, clock.NewMock(), nil)
		require.NoError(t, acceptSessErr)
		serverDone <- s
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	out := wire.Handshake{InfoHash: infoHash, PeerID: remoteID}
	require.NoError(t, out.Encode(clientConn))
	_, err = wire.DecodeHandshake(clientConn) // our reply
	require.NoError(t, err)

	s := <-serverDone
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	pieces := map[int][]byte{0: piece0, 1: piece1}

	// The client drives the remote side: announce full availability, then
	// unchoke, then answer every Request with the matching Piece payload.
	require.NoError(t, wire.Encode(clientConn, wire.Message{ID: wire.BitfieldMsg, Payload: []byte{0xC0}}))
	require.NoError(t, wire.Encode(clientConn, wire.Message{ID: wire.Unchoke}))

	responder := func() {
		for i := 0; i < 2; i++ {
			msg, decodeErr := wire.Decode(clientConn)
			if decodeErr != nil {
				return
			}
			if msg.IsKeepAlive || msg.ID != wire.Request {
				i--
				continue
			}
			req, reqErr := wire.DecodeRequestPayload(msg.Payload)
			require.NoError(t, reqErr)
			data := pieces[int(req.Index)]
			_ = wire.Encode(clientConn, wire.Message{
				ID: wire.Piece,
				Payload: wire.PiecePayload{
					Index: req.Index,
					Begin: req.Begin,
					Block: data[req.Begin : req.Begin+req.Length],
				}.Encode(),
			})
		}
	}
	go responder()

	require.Eventually(t, func() bool {
		return len(events.snapshotVerified()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, sch.IsComplete())
	verifiedBytes, fraction, complete := sch.Progress()
	assert.Equal(t, int64(32), verifiedBytes)
	assert.Equal(t, 1.0, fraction)
	assert.True(t, complete)

	assert.Equal(t, piece0, disk.written[0])
	assert.Equal(t, piece1, disk.written[1])
}

func TestSweepTimeoutsRevertsStaleRequests(t *testing.T) {
	desc := &metainfo.Descriptor{
		NominalPieceLength: 16,
		PieceHashes: [][20]byte{{}},
		TotalLength: 16,
	}
	mockClock := clock.NewMock()
	sch := New(desc, newFakeDisk(), SequentialPolicy{}, &fakeEvents{}, Config{BlockTimeout: 5 * time.Second}, mockClock, nil)

	blk := sch.pieces[0].Blocks[0]
	blk.State = BlockRequested
	blk.RequestedAt = mockClock.Now()
	blk.RequestedBy = "peer-a"

	mockClock.Add(3 * time.Second)
	sch.SweepTimeouts()
	assert.Equal(t, BlockRequested, blk.State, "not yet past the timeout")

	mockClock.Add(3 * time.Second)
	sch.SweepTimeouts()
	assert.Equal(t, BlockIdle, blk.State)
}

func TestRecordBlockDropsMismatchedLength(t *testing.T) {
	desc := &metainfo.Descriptor{
		NominalPieceLength: 16,
		PieceHashes: [][20]byte{{}},
		TotalLength: 16,
	}
	sch := New(desc, newFakeDisk(), SequentialPolicy{}, &fakeEvents{}, Config{}, clock.NewMock(), nil)

	sch.pieces[0].Blocks[0].State = BlockRequested
	sch.pieces[0].Blocks[0].RequestedBy = "peer-a"

	sch.recordBlock("peer-a", wire.PiecePayload{Index: 0, Begin: 0, Block: []byte("short")})
	assert.Equal(t, BlockRequested, sch.pieces[0].Blocks[0].State, "a 5-byte payload does not match the 16-byte block, so the message is dropped")
}

func TestOnPeerDroppedResetsInFlightBlocks(t *testing.T) {
	desc := &metainfo.Descriptor{
		NominalPieceLength: 2 * BlockLength,
		PieceHashes: [][20]byte{{}},
		TotalLength: 2 * BlockLength,
	}
	sch := New(desc, newFakeDisk(), SequentialPolicy{}, &fakeEvents{}, Config{}, clock.NewMock(), nil)

	p := sch.pieces[0]
	p.State = InProgress
	p.Blocks[0].State = BlockRequested
	p.Blocks[0].RequestedBy = "peer-a"
	p.Blocks[1].State = BlockRequested
	p.Blocks[1].RequestedBy = "peer-b"

	sch.onPeerDropped("peer-a")

	assert.Equal(t, BlockIdle, p.Blocks[0].State)
	assert.Equal(t, BlockRequested, p.Blocks[1].State, "a different peer's in-flight block is untouched")
}
