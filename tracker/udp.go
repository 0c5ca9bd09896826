package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"

	"torrentcore/metainfo"
)

const udpProtocolID uint64 = 0x41727101980

const (
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
	udpActionError    uint32 = 3
)

var eventToUDP = map[Event]uint32{
	EventNone:      0,
	EventCompleted: 1,
	EventStarted:   2,
	EventStopped:   3,
}

// announceUDP performs the two-step BEP-15 UDP announce: CONNECT then
// ANNOUNCE, each bounded by cfg.UDPStepTimeout (spec.md §4.2).
func announceUDP(
	ctx context.Context,
	announceURL string,
	infoHash metainfo.InfoHash,
	peerID [20]byte,
	port uint16,
	req AnnounceRequest,
	cfg Config,
) ([]PeerAddr, int, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parse URL: %w", err)
	}

	raddr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %s: %w", u.Host, err)
	}

	conn, err := net.DialUDP(addrNetwork(raddr), nil, raddr)
	if err != nil {
		return nil, 0, fmt.Errorf("dial UDP %s: %w", raddr, err)
	}
	defer conn.Close()

	stepCtx, cancel := context.WithTimeout(ctx, cfg.UDPStepTimeout)
	connID, err := udpConnect(stepCtx, conn, cfg)
	cancel()
	if err != nil {
		return nil, 0, fmt.Errorf("connect: %w", err)
	}

	stepCtx, cancel = context.WithTimeout(ctx, cfg.UDPStepTimeout)
	peers, interval, err := udpAnnounce(stepCtx, conn, connID, infoHash, peerID, port, req, cfg)
	cancel()
	if err != nil {
		return nil, 0, fmt.Errorf("announce: %w", err)
	}
	return peers, interval, nil
}

func addrNetwork(addr *net.UDPAddr) string {
	if addr.IP.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

func randUint32() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

func udpConnect(ctx context.Context, conn *net.UDPConn, cfg Config) (uint64, error) {
	transactionID := randUint32()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(req[12:16], transactionID)

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(deadlineFrom(cfg.UDPStepTimeout))
	}

	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("write connect: %w", err)
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, fmt.Errorf("read connect response: %w", err)
	}
	if n < 16 {
		return 0, fmt.Errorf("short connect response: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action != udpActionConnect {
		return 0, fmt.Errorf("unexpected connect action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return 0, fmt.Errorf("transaction id mismatch")
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func udpAnnounce(
	ctx context.Context,
	conn *net.UDPConn,
	connID uint64,
	infoHash metainfo.InfoHash,
	peerID [20]byte,
	port uint16,
	req AnnounceRequest,
	cfg Config,
) ([]PeerAddr, int, error) {
	transactionID := randUint32()

	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], infoHash[:])
	copy(buf[36:56], peerID[:])
	binary.BigEndian.PutUint64(buf[56:64], req.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], req.Left)
	binary.BigEndian.PutUint64(buf[72:80], req.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], eventToUDP[req.Event])
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip = 0 (tracker infers it)
	binary.BigEndian.PutUint32(buf[88:92], randUint32())
	binary.BigEndian.PutUint32(buf[92:96], uint32(int32(-1))) // num_want = -1
	binary.BigEndian.PutUint16(buf[96:98], port)

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(deadlineFrom(cfg.UDPStepTimeout))
	}

	if _, err := conn.Write(buf); err != nil {
		return nil, 0, fmt.Errorf("write announce: %w", err)
	}

	resp := make([]byte, 4096)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, 0, fmt.Errorf("read announce response: %w", err)
	}
	if n < 8 {
		return nil, 0, fmt.Errorf("short announce response: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == udpActionError {
		return nil, 0, fmt.Errorf("tracker error: %s", string(resp[8:n]))
	}
	if action != udpActionAnnounce {
		return nil, 0, fmt.Errorf("unexpected announce action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return nil, 0, fmt.Errorf("transaction id mismatch")
	}
	if n < 20 {
		return nil, 0, fmt.Errorf("announce response missing header: %d bytes", n)
	}

	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	peers, err := decodeCompactPeers(resp[20:n])
	if err != nil {
		return nil, 0, err
	}
	return peers, interval, nil
}
