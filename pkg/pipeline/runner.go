package pipeline

import (
	"context"
	"image"
	"sync"

	"github.com/menta2k/retina-grader/pkg/types"
)

// Delivery receives the outcome of the most recent submission
type Delivery func(res *Result, err error)

// LatestRunner runs predictions in the background with last-request-wins
// semantics. Submitting a new request cancels the one in flight, and
// results or snapshots from superseded requests are dropped.
type LatestRunner struct {
	pipeline *Pipeline
	deliver  Delivery
	observer Observer

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLatestRunner creates a runner. deliver and observer are invoked while
// the runner holds its lock, so they must not call Submit.
func NewLatestRunner(p *Pipeline, deliver Delivery, observer Observer) *LatestRunner {
	return &LatestRunner{
		pipeline: p,
		deliver:  deliver,
		observer: observer,
	}
}

// Submit starts a prediction and supersedes any previous one. It returns
// the submission sequence number.
func (r *LatestRunner) Submit(ctx context.Context, img image.Image, cfg types.PipelineConfig) uint64 {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.seq++
	seq := r.seq
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	var obs Observer
	if r.observer != nil {
		obs = &gatedObserver{runner: r, seq: seq, next: r.observer}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		res, err := r.pipeline.PredictWithObserver(runCtx, img, cfg, obs)

		r.mu.Lock()
		defer r.mu.Unlock()
		if seq != r.seq || r.deliver == nil {
			return
		}
		r.deliver(res, err)
	}()

	return seq
}

// Latest returns the sequence number of the newest submission
func (r *LatestRunner) Latest() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Wait blocks until every submitted prediction has finished
func (r *LatestRunner) Wait() {
	r.wg.Wait()
}

// Close cancels the prediction in flight and waits for all goroutines
func (r *LatestRunner) Close() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	// Bump the sequence so nothing already running gets delivered
	r.seq++
	r.mu.Unlock()
	r.wg.Wait()
}

// gatedObserver forwards events only while its submission is the newest
type gatedObserver struct {
	runner *LatestRunner
	seq    uint64
	next   Observer
}

func (g *gatedObserver) OnStateChange(requestID string, from, to State) {
	g.runner.mu.Lock()
	defer g.runner.mu.Unlock()
	if g.seq == g.runner.seq {
		g.next.OnStateChange(requestID, from, to)
	}
}

func (g *gatedObserver) OnSnapshot(requestID string, s Snapshot, img *image.NRGBA) {
	g.runner.mu.Lock()
	defer g.runner.mu.Unlock()
	if g.seq == g.runner.seq {
		g.next.OnSnapshot(requestID, s, img)
	}
}
