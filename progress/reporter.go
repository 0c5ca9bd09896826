// Package progress renders a live CLI view of an engine.Engine's managed
// torrents, replacing the teacher's inline fmt.Printf bar in
// torrent/p2p.go's StartDownload with a reusable component driven by
// engine.Engine.Events and engine.Engine.List instead of a single hardcoded
// download loop.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"torrentcore/engine"
)

// Reporter owns one progressbar.ProgressBar per torrent InfoHash and redraws
// them whenever the Engine emits an event or, failing that, on a fixed
// tick — so the bars stay live even if a quiet torrent emits nothing for a
// while.
type Reporter struct {
	eng    *engine.Engine
	out    io.Writer
	bars   map[engine.Handle]*progressbar.ProgressBar
	tick   time.Duration
	colors bool
}

// Option customizes a Reporter.
type Option func(*Reporter)

// WithOutput redirects rendering away from os.Stderr.
func WithOutput(w io.Writer) Option {
	return func(r *Reporter) { r.out = w }
}

// WithTick overrides the fallback redraw period (default 500ms).
func WithTick(d time.Duration) Option {
	return func(r *Reporter) { r.tick = d }
}

// New builds a Reporter for eng. Run must be called to start rendering.
func New(eng *engine.Engine, opts ...Option) *Reporter {
	r := &Reporter{
		eng:    eng,
		out:    os.Stderr,
		bars:   make(map[engine.Handle]*progressbar.ProgressBar),
		tick:   500 * time.Millisecond,
		colors: term.IsTerminal(int(os.Stderr.Fd())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run blocks, redrawing every managed torrent, until stop is closed by the
// caller or the Engine's event channel is closed. Engine itself never
// closes that channel, so in practice stop ends the loop.
func (r *Reporter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-r.eng.Events():
			if !ok {
				return
			}
			r.handle(ev)
		case <-ticker.C:
			r.redrawAll()
		}
	}
}

func (r *Reporter) handle(ev engine.Event) {
	switch ev.Kind {
	case engine.EventRemoved:
		delete(r.bars, ev.InfoHash)
		return
	case engine.EventAdded, engine.EventUpdated:
		r.redrawAll()
	}
}

func (r *Reporter) redrawAll() {
	for _, view := range r.eng.List() {
		bar := r.barFor(view)
		bar.Describe(r.label(view))
		bar.Set64(view.BytesVerified)
	}
}

func (r *Reporter) barFor(view engine.TorrentView) *progressbar.ProgressBar {
	bar, ok := r.bars[view.InfoHash]
	if ok {
		return bar
	}
	width, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil || width <= 0 {
		width = 80
	}
	bar = progressbar.NewOptions64(view.TotalLength,
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionSetWidth(width/4),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionClearOnFinish(),
	)
	r.bars[view.InfoHash] = bar
	return bar
}

func (r *Reporter) label(view engine.TorrentView) string {
	tag := stateColor(view.State)
	text := fmt.Sprintf("[%s][reset] %s (%d peers, %.1f KB/s)",
		tag, view.Name, view.ConnectedPeers, view.RateBytesPerS/1024)
	colorize := colorstring.Colorize{Colors: colorstring.DefaultColors, Disable: !r.colors, Reset: true}
	return colorize.Color(text)
}

func stateColor(s engine.State) string {
	switch s {
	case engine.Downloading:
		return "[yellow]Downloading"
	case engine.Seeding, engine.Completed:
		return "[green]Seeding"
	case engine.Error:
		return "[red]Error"
	case engine.Paused:
		return "[blue]Paused"
	default:
		return "[light_gray]Stopped"
	}
}
