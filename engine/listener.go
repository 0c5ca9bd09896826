package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"torrentcore/wire"
)

// handshakeReadTimeout bounds the initial 68-byte read for an inbound
// connection (spec.md §4.1).
const handshakeReadTimeout = 10 * time.Second

// listen probes ports in [start, end] for the first free one and returns a
// bound listener, or (nil, 0) if none are free — inbound is then disabled
// but the engine still operates (spec.md §4.1: "0 if none, meaning
// inbound-disabled, operation still permitted").
func listen(start, end int) (net.Listener, uint16) {
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, uint16(port)
		}
	}
	return nil, 0
}

// acceptLoop runs the Engine's single passive socket (spec.md §4.1), tearing
// down when ctx is cancelled.
func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warnw("inbound accept failed", "error", err)
			continue
		}
		go e.handleInbound(ctx, conn)
	}
}

func (e *Engine) handleInbound(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeReadTimeout))
	remote, err := wire.DecodeHandshake(conn)
	if err != nil {
		e.logger.Debugw("inbound handshake decode failed", "addr", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	tc := e.lookup(remote.InfoHash)
	if tc == nil {
		e.logger.Debugw("inbound handshake for unknown info hash", "info_hash", remote.InfoHash, "addr", conn.RemoteAddr())
		conn.Close()
		return
	}

	tc.mu.Lock()
	swarm := tc.swarm
	downloadCtx := tc.ctx
	tc.mu.Unlock()
	if swarm == nil || downloadCtx == nil {
		conn.Close()
		return
	}

	if _, err := swarm.AcceptAndAdd(downloadCtx, conn, remote); err != nil {
		e.logger.Debugw("inbound accept failed", "addr", conn.RemoteAddr(), "error", err)
		conn.Close()
	}
}

func (e *Engine) lookup(h Handle) *torrentContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.torrents[h]
}
