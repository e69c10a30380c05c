package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrAlreadyRunning is returned when a run is requested for an analysis that
// already has a run in flight.
var ErrAlreadyRunning = errors.New("pipeline: analysis already running")

// Runner executes pipeline runs as supervised background tasks. Triggering
// returns immediately; completion and failure are handled in a structured
// callback, and single-flight per analysis ID is enforced in process on top
// of the store's status guard.
type Runner struct {
	pipeline *Pipeline
	baseCtx  context.Context

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewRunner builds a runner whose background tasks inherit ctx; cancelling it
// stops in-flight external calls at the next blocking point.
func NewRunner(ctx context.Context, p *Pipeline) *Runner {
	return &Runner{
		pipeline: p,
		baseCtx:  ctx,
		inflight: map[string]struct{}{},
	}
}

// Enqueue spawns a detached pipeline run for the analysis. Returns
// ErrAlreadyRunning when a run for the same ID is in flight.
func (r *Runner) Enqueue(analysisID string) error {
	r.mu.Lock()
	if _, ok := r.inflight[analysisID]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.inflight[analysisID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		err := r.pipeline.Process(r.baseCtx, analysisID)

		r.mu.Lock()
		delete(r.inflight, analysisID)
		r.mu.Unlock()

		if err != nil {
			log.Printf("rivalscope run_finished analysis=%s result=failed err=%q", analysisID, err.Error())
			return
		}
		log.Printf("rivalscope run_finished analysis=%s result=completed", analysisID)
	}()
	return nil
}

// Rerun resets the analysis to a clean slate and starts a fresh run. The
// reset is transactional and refuses analyses that are still processing, so a
// mid-flight rerun can never half-delete a live run's data.
func (r *Runner) Rerun(analysisID string) error {
	if r.Running(analysisID) {
		return ErrAlreadyRunning
	}
	if err := r.pipeline.store.ResetForRerun(analysisID, string(StageCompetitors)); err != nil {
		return err
	}
	return r.Enqueue(analysisID)
}

// Running reports whether a run for the analysis is in flight.
func (r *Runner) Running(analysisID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[analysisID]
	return ok
}

// Wait blocks until every in-flight run has finished. Used on shutdown.
func (r *Runner) Wait() { r.wg.Wait() }
