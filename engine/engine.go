// Package engine ties TrackerMux, Swarm, PieceScheduler, and DiskLayout
// together into the per-torrent download loop and exposes the lifecycle
// operations named in spec.md §4.1.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"torrentcore/disk"
	"torrentcore/metainfo"
	"torrentcore/peer"
	"torrentcore/piece"
	"torrentcore/tracker"
)

// Errors returned by Engine operations (spec.md §7's typed-error
// convention).
var (
	ErrTorrentNotFound  = errors.New("engine: torrent not found")
	ErrTorrentActive    = errors.New("engine: torrent already has an active download")
	ErrNoResolvedPieces = errors.New("engine: torrent has no resolved piece metadata (magnet awaiting out-of-band fetch)")
)

// Engine owns every managed torrent, the shared peer id, and the inbound
// listener (spec.md §4.1).
type Engine struct {
	cfg    Config
	logger *zap.SugaredLogger
	clk    clock.Clock

	peerID     [20]byte
	listenPort uint16
	listener   net.Listener

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.RWMutex
	torrents map[Handle]*torrentContext

	events chan Event
}

// New constructs an Engine: generates the process peer id and probes the
// inbound listen port range (spec.md §4.1). A nil logger is replaced with a
// no-op sink.
func New(cfg Config, logger *zap.SugaredLogger) (*Engine, error) {
	cfg = cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	peerID, err := generatePeerID(cfg.PeerIDPrefix)
	if err != nil {
		return nil, fmt.Errorf("generate peer id: %w", err)
	}

	ln, port := listen(cfg.ListenPortStart, cfg.ListenPortEnd)
	if ln == nil {
		logger.Warnw("no free inbound port found in range; inbound connections disabled",
			"start", cfg.ListenPortStart, "end", cfg.ListenPortEnd)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		clk:        clock.New(),
		peerID:     peerID,
		listenPort: port,
		listener:   ln,
		baseCtx:    ctx,
		baseCancel: cancel,
		torrents:   make(map[Handle]*torrentContext),
		events:     make(chan Event, cfg.EventBufferSize),
	}

	if ln != nil {
		go e.acceptLoop(ctx, ln)
	}
	return e, nil
}

// PeerID returns the engine's fixed 20-byte peer identifier.
func (e *Engine) PeerID() [20]byte { return e.peerID }

// ListenPort returns the bound inbound port, or 0 if inbound is disabled.
func (e *Engine) ListenPort() uint16 { return e.listenPort }

// Events returns the Engine's notification stream (spec.md §4.1).
func (e *Engine) Events() <-chan Event { return e.events }

func (e *Engine) emit(ev Event) {
	ev.CorrelationID = uuid.NewString()
	select {
	case e.events <- ev:
	default:
		// Drop the event rather than block a download goroutine on a slow
		// consumer (see Config.EventBufferSize).
		e.logger.Debugw("event channel full, dropping notification", "kind", ev.Kind, "info_hash", ev.InfoHash)
	}
}

func (e *Engine) emitUpdated(h metainfo.InfoHash, fields ...UpdatedField) {
	e.emit(Event{Kind: EventUpdated, InfoHash: h, Fields: fields})
}

// AddFromDescriptor registers a torrent from an already-resolved Descriptor
// (spec.md §4.1). Re-adding the same InfoHash returns the existing handle.
func (e *Engine) AddFromDescriptor(desc *metainfo.Descriptor) (Handle, error) {
	h := desc.InfoHash

	e.mu.Lock()
	if existing, ok := e.torrents[h]; ok {
		e.mu.Unlock()
		return existing.infoHash, nil
	}
	tc := &torrentContext{infoHash: h, desc: desc, state: Stopped}
	e.torrents[h] = tc
	e.mu.Unlock()

	e.emit(Event{Kind: EventAdded, InfoHash: h})
	return h, nil
}

// AddFromFileBytes decodes raw .torrent bytes and registers the result.
func (e *Engine) AddFromFileBytes(data []byte) (Handle, error) {
	desc, err := metainfo.ParseFile(data)
	if err != nil {
		return Handle{}, fmt.Errorf("parse torrent file: %w", err)
	}
	return e.AddFromDescriptor(desc)
}

// AddFromMagnet decodes a magnet URI and registers the result. The
// resulting Descriptor carries no piece hashes; Start returns
// ErrNoResolvedPieces until out-of-band metadata resolution (not a
// component this spec implements) populates them.
func (e *Engine) AddFromMagnet(uri string) (Handle, error) {
	desc, err := metainfo.ParseMagnet(uri)
	if err != nil {
		return Handle{}, fmt.Errorf("parse magnet uri: %w", err)
	}
	return e.AddFromDescriptor(desc)
}

// Start begins (or resumes, from Paused/Stopped) a torrent's download loop
// (spec.md §4.1). Starting an already-active torrent is a no-op.
func (e *Engine) Start(h Handle, saveRoot string) error {
	tc := e.lookup(h)
	if tc == nil {
		return ErrTorrentNotFound
	}

	tc.mu.Lock()
	if tc.state == Downloading || tc.state == Seeding {
		tc.mu.Unlock()
		return nil
	}
	if len(tc.desc.PieceHashes) == 0 {
		tc.mu.Unlock()
		return ErrNoResolvedPieces
	}
	if saveRoot == "" {
		saveRoot = e.cfg.SaveRoot
	}
	tc.saveRoot = saveRoot
	tc.mu.Unlock()

	layout := disk.New(saveRoot, tc.desc)
	rate := newRateTracker(e.clk, rateWindow)
	sched := piece.New(tc.desc, layout, piece.RarestFirstPolicy{}, schedulerEvents{e: e, tc: tc}, e.cfg.Piece, e.clk, e.logger)
	swarm := peer.NewSwarm(tc.desc.InfoHash, e.peerID, tc.desc.PieceCount(), e.cfg.Peer, sched, e.clk, e.logger)
	swarm.SetOnConnect(func(s *peer.Session) {
		_ = s.SendBitfield(sched.LocalBitfield())
	})
	mux := tracker.New(tc.desc.InfoHash, e.peerID, e.listenPort, tc.desc.Trackers, tc.desc.IsPrivate, nil, e.cfg.Tracker, e.logger)

	ctx, cancel := context.WithCancel(e.baseCtx)

	tc.mu.Lock()
	tc.disk = layout
	tc.rate = rate
	tc.scheduler = sched
	tc.swarm = swarm
	tc.mux = mux
	tc.ctx = ctx
	tc.cancel = cancel
	tc.state = Downloading
	tc.mu.Unlock()

	e.emitUpdated(h, FieldState)
	go e.runDownloadLoop(tc)
	return nil
}

// rateWindow is the trailing window rateTracker averages over.
const rateWindow = 5 * time.Second

// Pause cancels the download loop and releases peer sessions without
// deleting the torrent's registration or on-disk data (spec.md §4.1).
func (e *Engine) Pause(h Handle) error {
	tc := e.lookup(h)
	if tc == nil {
		return ErrTorrentNotFound
	}
	if err := tc.drain(); err != nil {
		e.logger.Warnw("pause: disk flush failed", "info_hash", h, "error", err)
	}
	tc.setState(e, Paused)
	return nil
}

// Stop cancels the download loop and releases peer sessions and file
// handles (spec.md §4.1).
func (e *Engine) Stop(h Handle) error {
	tc := e.lookup(h)
	if tc == nil {
		return ErrTorrentNotFound
	}
	if err := tc.drain(); err != nil {
		e.logger.Warnw("stop: disk flush failed", "info_hash", h, "error", err)
	}
	tc.setState(e, Stopped)
	return nil
}

// Remove stops the torrent and unregisters it, optionally deleting its
// on-disk data. I/O failures during deletion are logged, not escalated
// (spec.md §4.1).
func (e *Engine) Remove(h Handle, deleteData bool) error {
	tc := e.lookup(h)
	if tc == nil {
		return ErrTorrentNotFound
	}
	_ = tc.drain()

	if deleteData {
		tc.mu.Lock()
		layout := tc.disk
		tc.mu.Unlock()
		if layout != nil {
			if err := layout.RemoveAll(); err != nil {
				e.logger.Errorw("remove: delete data failed", "info_hash", h, "error", err)
			}
		}
	}

	e.mu.Lock()
	delete(e.torrents, h)
	e.mu.Unlock()

	e.emit(Event{Kind: EventRemoved, InfoHash: h})
	return nil
}

// List returns a snapshot of every managed torrent (spec.md §4.1).
func (e *Engine) List() []TorrentView {
	e.mu.RLock()
	ctxs := make([]*torrentContext, 0, len(e.torrents))
	for _, tc := range e.torrents {
		ctxs = append(ctxs, tc)
	}
	e.mu.RUnlock()

	views := make([]TorrentView, len(ctxs))
	for i, tc := range ctxs {
		views[i] = tc.snapshot()
	}
	return views
}

// Shutdown stops every managed torrent and closes the inbound listener.
func (e *Engine) Shutdown() {
	e.baseCancel()
	if e.listener != nil {
		e.listener.Close()
	}
	for _, h := range e.handles() {
		_ = e.Stop(h)
	}
}

func (e *Engine) handles() []Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Handle, 0, len(e.torrents))
	for h := range e.torrents {
		out = append(out, h)
	}
	return out
}
