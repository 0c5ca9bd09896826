package tracker

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"torrentcore/metainfo"
)

// Mux announces a torrent to every known tracker in parallel and merges the
// resulting peer lists (spec.md §4.2).
type Mux struct {
	cfg      Config
	infoHash metainfo.InfoHash
	peerID   [20]byte
	port     uint16
	trackers []string
	isPriv   bool
	cookies  CookieProvider
	logger   *zap.SugaredLogger
}

// New builds a Mux for one torrent's tracker set.
func New(
	infoHash metainfo.InfoHash,
	peerID [20]byte,
	port uint16,
	trackers []string,
	isPrivate bool,
	cookies CookieProvider,
	cfg Config,
	logger *zap.SugaredLogger,
) *Mux {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Mux{
		cfg:      cfg.applyDefaults(),
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		trackers: trackers,
		isPriv:   isPrivate,
		cookies:  cookies,
		logger:   logger,
	}
}

// Announce fans out one announce cycle across every tracker (spec.md §4.2).
// A failed tracker never aborts the cycle; the result is the union of every
// successful tracker's peers, deduplicated by (ip, port).
func (m *Mux) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CycleDeadline)
	defer cancel()

	sem := make(chan struct{}, m.cfg.ConcurrencyCap)
	var wg sync.WaitGroup

	var (
		mu          sync.Mutex
		merged      = make(map[string]PeerAddr)
		minInterval int
		triedCount  atomic.Int32
		failedCount atomic.Int32
	)

	peerCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(merged)
	}

trackerLoop:
	for _, t := range m.trackers {
		t := t
		if peerCount() >= m.cfg.PeerTarget {
			break // short-circuit: target already reached
		}

		select {
		case <-ctx.Done():
			break trackerLoop
		default:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}

			peers, interval, err := m.announceOne(ctx, t, req)
			triedCount.Inc()
			if err != nil {
				failedCount.Inc()
				m.logger.Warnw("tracker announce failed", "tracker", t, "error", err)
				return
			}

			mu.Lock()
			for _, p := range peers {
				merged[p.Key()] = p
			}
			if interval > 0 && (minInterval == 0 || interval < minInterval) {
				minInterval = interval
			}
			mu.Unlock()
		}()
	}

	wg.Wait()

	peers := make([]PeerAddr, 0, len(merged))
	for _, p := range merged {
		peers = append(peers, p)
	}

	return &AnnounceResult{
		IntervalSecs: minInterval,
		Peers:        peers,
		Summary: AnnounceSummary{
			TrackersTried:  int(triedCount.Load()),
			TrackersFailed: int(failedCount.Load()),
			PeersReturned:  len(peers),
		},
	}, nil
}

func (m *Mux) announceOne(ctx context.Context, trackerURL string, req AnnounceRequest) ([]PeerAddr, int, error) {
	switch {
	case strings.HasPrefix(trackerURL, "http://"), strings.HasPrefix(trackerURL, "https://"):
		ctx, cancel := context.WithTimeout(ctx, m.cfg.HTTPTimeout)
		defer cancel()
		return announceHTTP(ctx, trackerURL, m.infoHash, m.peerID, m.port, req, m.cfg, m.cookies, m.isPriv)

	case strings.HasPrefix(trackerURL, "udp://"):
		return announceUDP(ctx, trackerURL, m.infoHash, m.peerID, m.port, req, m.cfg)

	default:
		return nil, 0, &Error{Tracker: trackerURL, Err: errUnknownScheme}
	}
}

var errUnknownScheme = unknownSchemeError{}

type unknownSchemeError struct{}

func (unknownSchemeError) Error() string { return "unknown tracker URL scheme" }
