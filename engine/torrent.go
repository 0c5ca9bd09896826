package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"torrentcore/disk"
	"torrentcore/metainfo"
	"torrentcore/peer"
	"torrentcore/piece"
	"torrentcore/tracker"
)

// Handle identifies one torrent the Engine manages. An InfoHash already
// uniquely keys a torrent's resources (spec.md §3 "Ownership"), so Handle
// is that same value rather than an opaque indirection.
type Handle = metainfo.InfoHash

// torrentContext is the Engine's per-torrent state (spec.md §3
// "TorrentContext"): it uniquely owns the PieceScheduler, DiskLayout,
// TrackerMux, and Swarm for one InfoHash.
type torrentContext struct {
	infoHash metainfo.InfoHash
	desc     *metainfo.Descriptor

	mu    sync.Mutex
	state State

	scheduler *piece.Scheduler
	swarm     *peer.Swarm
	disk      *disk.Layout
	mux       *tracker.Mux
	rate      *rateTracker

	ctx      context.Context
	cancel   context.CancelFunc
	saveRoot string
	lastErr  error
}

func (tc *torrentContext) setState(e *Engine, s State) {
	tc.mu.Lock()
	tc.state = s
	tc.mu.Unlock()
	e.emitUpdated(tc.infoHash, FieldState)
}

func (tc *torrentContext) snapshot() TorrentView {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	view := TorrentView{
		InfoHash:    tc.infoHash,
		Name:        tc.desc.Name,
		State:       tc.state,
		TotalLength: tc.desc.TotalLength,
	}
	if tc.scheduler != nil {
		verified, _, _ := tc.scheduler.Progress()
		view.BytesVerified = verified
	}
	if tc.swarm != nil {
		view.ConnectedPeers = tc.swarm.NumConnected()
	}
	if tc.rate != nil {
		view.RateBytesPerS = tc.rate.BytesPerSecond()
	}
	return view
}

// schedulerEvents adapts piece.Events to the Engine's notification stream
// and its per-torrent rate tracker, so the scheduler package itself stays
// ignorant of the Engine (spec.md §9 "avoid upward dependencies").
type schedulerEvents struct {
	e  *Engine
	tc *torrentContext
}

func (ev schedulerEvents) OnProgress(bytesVerified int64, fraction float64) {
	ev.e.emitUpdated(ev.tc.infoHash, FieldProgress)
}

func (ev schedulerEvents) OnPieceVerified(index int) {
	p := ev.tc.scheduler.Get(index)
	ev.tc.rate.Record(p.Length)
}

func (ev schedulerEvents) OnEmergencyReannounce() {
	ev.e.logger.Warnw("emergency re-announce triggered", "info_hash", ev.tc.infoHash)
	go ev.e.reannounceOnce(ev.tc)
}

func (ev schedulerEvents) OnFatal(err error) {
	ev.tc.mu.Lock()
	ev.tc.lastErr = err
	ev.tc.mu.Unlock()
	ev.tc.setState(ev.e, Error)
	ev.e.logger.Errorw("torrent transitioned to Error", "info_hash", ev.tc.infoHash, "error", err)
}

// runDownloadLoop implements spec.md §4.3's per-torrent download loop. It
// owns tc's lifetime until ctx is cancelled (pause/stop/remove).
func (e *Engine) runDownloadLoop(tc *torrentContext) {
	ctx := tc.ctx
	cfg := e.cfg

	summary, err := tc.mux.Announce(ctx, tracker.AnnounceRequest{
		Event: tracker.EventStarted,
		Left:  uint64(tc.desc.TotalLength),
	})
	if err != nil {
		e.logger.Warnw("initial announce failed outright", "info_hash", tc.infoHash, "error", err)
		summary = &tracker.AnnounceResult{}
	}

	addrs := peerAddrStrings(summary.Peers)
	connected := tc.swarm.DialBatch(ctx, addrs, cfg.DialTarget)

	if connected == 0 {
		if !e.waitForPeersOrAbort(tc) {
			tc.setState(e, Error)
			return
		}
	}

	go e.reannounceLoop(tc)
	go e.sweepLoop(tc)

	e.waitUntilComplete(tc)
	if ctx.Err() != nil {
		return
	}

	if _, err := tc.mux.Announce(ctx, tracker.AnnounceRequest{
		Event: tracker.EventCompleted,
		Left:  0,
	}); err != nil {
		e.logger.Debugw("completion announce failed, ignored", "info_hash", tc.infoHash, "error", err)
	}
	tc.setState(e, Seeding)
}

// waitForPeersOrAbort implements spec.md §4.3 step 4: up to StalledCycles
// rounds of (wait StalledCycleWait for an inbound peer OR re-announce).
// Returns false once every cycle has failed to produce a connection.
func (e *Engine) waitForPeersOrAbort(tc *torrentContext) bool {
	for i := 0; i < e.cfg.StalledCycles; i++ {
		timer := time.NewTimer(e.cfg.StalledCycleWait)
		select {
		case <-tc.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		if tc.swarm.NumConnected() > 0 {
			return true
		}
		e.reannounceOnce(tc)
		if tc.swarm.NumConnected() > 0 {
			return true
		}
	}
	return tc.swarm.NumConnected() > 0
}

// reannounceLoop is spec.md §4.3 step 5's background re-announce loop. A
// run of cycles that return no peers backs off exponentially from
// ReannounceInterval, capped at four times ReannounceInterval, grounded on uber-kraken's metainfoclient retry policy
// (tracker/metainfoclient/client.go).
func (e *Engine) reannounceLoop(tc *torrentContext) {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     e.cfg.ReannounceInterval,
		RandomizationFactor: 0.1,
		Multiplier:          1.5,
		MaxInterval:         e.cfg.ReannounceInterval * 4,
		MaxElapsedTime:      0, // never gives up; the loop itself is cancelled via ctx
		Clock:               backoff.SystemClock,
	}
	bo.Reset() // seeds currentInterval to InitialInterval; a bare literal's zero value would make every NextBackOff return ~0

	for {
		wait := bo.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-tc.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if e.reannounceOnce(tc) {
			bo.Reset()
		}
	}
}

// reannounceOnce announces once and dials any newly-returned peers not
// already connected, returning whether the cycle found at least one peer.
func (e *Engine) reannounceOnce(tc *torrentContext) bool {
	result, err := tc.mux.Announce(tc.ctx, tracker.AnnounceRequest{Event: tracker.EventNone})
	if err != nil {
		e.logger.Debugw("re-announce failed", "info_hash", tc.infoHash, "error", err)
		return false
	}
	addrs := peerAddrStrings(result.Peers)
	tc.swarm.DialBatch(tc.ctx, addrs, len(addrs))
	e.emitUpdated(tc.infoHash, FieldPeers)
	return len(result.Peers) > 0
}

func (e *Engine) sweepLoop(tc *torrentContext) {
	ticker := time.NewTicker(e.cfg.TimeoutSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tc.ctx.Done():
			return
		case <-ticker.C:
			tc.scheduler.SweepTimeouts()
		}
	}
}

func (e *Engine) waitUntilComplete(tc *torrentContext) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if tc.scheduler.IsComplete() {
			return
		}
		select {
		case <-tc.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func peerAddrStrings(peers []tracker.PeerAddr) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.String()
	}
	return out
}

// drain cancels the torrent's context, waits for its swarm to disconnect
// every session, and flushes the disk layout (spec.md §4.1 "stopping
// releases all peer sessions and the save-path file handles within a
// bounded drain period").
func (tc *torrentContext) drain() error {
	if tc.cancel != nil {
		tc.cancel()
	}
	if tc.swarm != nil {
		tc.swarm.Shutdown()
	}
	if tc.disk != nil {
		return tc.disk.Close()
	}
	return nil
}
