// Package progress carries per-worker progress events to a single reporter.
//
// Every worker owns one channel. Sends never block: a full channel has its
// stale event replaced, so a slow reporter only ever sees the latest state of
// each worker. Completion of a run is never detected through the reporter.
package progress

import (
	"sync"
	"time"

	"github.com/ChuLiYu/gridsweep/pkg/types"
)

// DefaultInterval bounds how often a Sink is rendered.
const DefaultInterval = 200 * time.Millisecond

// Sink renders a progress table, one row per worker.
type Sink interface {
	Render(rows []types.Progress, final bool)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rows []types.Progress, final bool)

func (f SinkFunc) Render(rows []types.Progress, final bool) { f(rows, final) }

// NewChannels creates one single-slot channel per worker.
func NewChannels(n int) []chan types.Progress {
	chans := make([]chan types.Progress, n)
	for i := range chans {
		chans[i] = make(chan types.Progress, 1)
	}
	return chans
}

// Send delivers p on ch, replacing an undelivered older event. Only the
// owning worker may send on ch. A nil ch is ignored.
func Send(ch chan types.Progress, p types.Progress) {
	if ch == nil {
		return
	}
	for {
		select {
		case ch <- p:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Reporter fans in the worker channels and renders the table at a bounded
// rate.
type Reporter struct {
	chans    []chan types.Progress
	sink     Sink
	interval time.Duration

	mu    sync.Mutex
	rows  []types.Progress
	dirty bool

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	drained  chan struct{}
	done     chan struct{}
	started  bool
}

// NewReporter creates a reporter over chans. A nil sink only tracks state.
func NewReporter(chans []chan types.Progress, sink Sink, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	rows := make([]types.Progress, len(chans))
	for i := range rows {
		rows[i].Worker = i
	}
	return &Reporter{
		chans:    chans,
		sink:     sink,
		interval: interval,
		rows:     rows,
		stop:     make(chan struct{}),
		drained:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the fan-in and rendering goroutines.
func (r *Reporter) Start() {
	r.started = true
	for i, ch := range r.chans {
		r.wg.Add(1)
		go r.drain(i, ch)
	}
	go func() {
		r.wg.Wait()
		close(r.drained)
	}()
	go r.renderLoop()
}

func (r *Reporter) drain(i int, ch <-chan types.Progress) {
	defer r.wg.Done()
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return
			}
			r.mu.Lock()
			p.Worker = i
			r.rows[i] = p
			r.dirty = true
			r.mu.Unlock()
		case <-r.stop:
			return
		}
	}
}

func (r *Reporter) renderLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.render(false)
		case <-r.drained:
			r.render(true)
			return
		}
	}
}

func (r *Reporter) render(final bool) {
	r.mu.Lock()
	if !r.dirty && !final {
		r.mu.Unlock()
		return
	}
	r.dirty = false
	rows := make([]types.Progress, len(r.rows))
	copy(rows, r.rows)
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.Render(rows, final)
	}
}

// Snapshot returns the latest event of every worker.
func (r *Reporter) Snapshot() []types.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := make([]types.Progress, len(r.rows))
	copy(rows, r.rows)
	return rows
}

// Wait blocks until every channel is closed and the final table rendered.
func (r *Reporter) Wait() {
	if !r.started {
		return
	}
	<-r.done
}

// Stop abandons channels that are still open, renders a last time and
// returns. It is used when a run is cancelled with workers in flight.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.Wait()
}
