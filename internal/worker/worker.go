// Package worker provides the bounded pool that executes analysis runs for
// the HTTP API. Submissions are accepted immediately and queue for one of a
// fixed number of slots; each accepted run publishes its progress frames to
// any number of subscribers and keeps its final report for later retrieval.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/slotheather55/webspark/api/schemas"
)

// ErrPoolClosed is returned by Submit once shutdown has begun.
var ErrPoolClosed = errors.New("worker pool is shut down")

// subscriberBuffer is the per-subscriber frame budget. A subscriber that
// falls further behind loses frames; the stream is observability, not state.
const subscriberBuffer = 32

// Runner executes one analysis run. The pool builds no browser machinery
// itself; the caller injects a runner that constructs the per-run pipeline.
type Runner interface {
	Run(ctx context.Context, macro *schemas.Macro, sink schemas.ProgressSink) (*schemas.AnalysisReport, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, macro *schemas.Macro, sink schemas.ProgressSink) (*schemas.AnalysisReport, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, macro *schemas.Macro, sink schemas.ProgressSink) (*schemas.AnalysisReport, error) {
	return f(ctx, macro, sink)
}

// RunState is one phase of a submitted run's lifecycle.
type RunState string

const (
	StateQueued   RunState = "queued"
	StateRunning  RunState = "running"
	StateComplete RunState = "complete"
	StateFailed   RunState = "failed"
)

// Run is one accepted submission. Its identity fields are immutable; the
// lifecycle fields are readable at any time through the accessor methods.
// Run implements schemas.ProgressSink so it can be handed directly to the
// runner as the progress destination.
type Run struct {
	// ID identifies the submission in the API. It is distinct from the
	// report's run id, which is minted when the analysis itself starts.
	ID        string
	Macro     *schemas.Macro
	CreatedAt time.Time

	mu         sync.RWMutex
	state      RunState
	startedAt  time.Time
	finishedAt time.Time
	report     *schemas.AnalysisReport
	err        error
	history    []schemas.ProgressUpdate
	subs       map[int]chan schemas.ProgressUpdate
	nextSubID  int

	done chan struct{}
}

func newRun(macro *schemas.Macro) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Macro:     macro,
		CreatedAt: time.Now().UTC(),
		state:     StateQueued,
		subs:      make(map[int]chan schemas.ProgressUpdate),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (r *Run) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// StartedAt returns when the run left the queue, zero while still queued.
func (r *Run) StartedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt
}

// FinishedAt returns when the run reached a terminal state, zero before then.
func (r *Run) FinishedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finishedAt
}

// Report returns the final report. A failed run may still carry a partial
// report alongside its error.
func (r *Run) Report() *schemas.AnalysisReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.report
}

// Err returns the terminal error, nil on success or while unfinished.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Done is closed once the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Publish implements schemas.ProgressSink. Every frame is appended to the
// run's history and fanned out to current subscribers without blocking; a
// full subscriber drops the live frame.
func (r *Run) Publish(update schemas.ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		// Terminal state, nothing left to record.
		return
	}
	r.history = append(r.history, update)
	for _, ch := range r.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

// Subscribe attaches a progress listener. The channel is preloaded with
// every frame published so far, so late subscribers replay the run from the
// beginning. It closes when the run finishes or when the returned cancel
// function runs, whichever comes first; subscribing to a finished run
// yields the full history followed by an immediate close.
func (r *Run) Subscribe() (<-chan schemas.ProgressUpdate, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan schemas.ProgressUpdate, len(r.history)+subscriberBuffer)
	for _, update := range r.history {
		ch <- update
	}
	if r.subs == nil {
		close(ch)
		return ch, func() {}
	}

	id := r.nextSubID
	r.nextSubID++
	r.subs[id] = ch

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (r *Run) markRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateRunning
	r.startedAt = time.Now().UTC()
}

// finish records the terminal state and releases every subscriber. Called
// exactly once by the pool.
func (r *Run) finish(report *schemas.AnalysisReport, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report = report
	r.err = err
	if err != nil {
		r.state = StateFailed
	} else {
		r.state = StateComplete
	}
	r.finishedAt = time.Now().UTC()

	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	r.subs = nil
	close(r.done)
}

// Pool bounds how many analysis runs execute at once. Each run drives its
// own browser session, so the slot count is the browser-instance budget.
type Pool struct {
	runner Runner
	logger *zap.Logger
	sem    *semaphore.Weighted

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*Run
	closed bool
}

// NewPool creates a pool executing at most maxConcurrent runs at a time.
func NewPool(maxConcurrent int, runner Runner, logger *zap.Logger) (*Pool, error) {
	if maxConcurrent < 1 {
		return nil, fmt.Errorf("maxConcurrent must be positive, got %d", maxConcurrent)
	}
	if runner == nil {
		return nil, errors.New("runner cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		runner:  runner,
		logger:  logger.Named("worker"),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		baseCtx: ctx,
		cancel:  cancel,
		runs:    make(map[string]*Run),
	}, nil
}

// Submit accepts a run and returns it immediately in the queued state. The
// run starts as soon as a slot frees up.
func (p *Pool) Submit(macro *schemas.Macro) (*Run, error) {
	if macro == nil {
		return nil, errors.New("macro cannot be nil")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	run := newRun(macro)
	p.runs[run.ID] = run
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Info("Run accepted.",
		zap.String("analysis_id", run.ID),
		zap.String("macro", macro.Name))
	go p.execute(run)
	return run, nil
}

// Get returns the run with the given submission id.
func (p *Pool) Get(id string) (*Run, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	run, ok := p.runs[id]
	return run, ok
}

func (p *Pool) execute(run *Run) {
	defer p.wg.Done()

	if err := p.sem.Acquire(p.baseCtx, 1); err != nil {
		run.finish(nil, fmt.Errorf("run canceled while queued: %w", err))
		p.logger.Warn("Queued run canceled.", zap.String("analysis_id", run.ID))
		return
	}
	defer p.sem.Release(1)

	run.markRunning()
	report, err := p.runner.Run(p.baseCtx, run.Macro, run)
	run.finish(report, err)

	if err != nil {
		p.logger.Warn("Run failed.", zap.String("analysis_id", run.ID), zap.Error(err))
		return
	}
	p.logger.Info("Run complete.", zap.String("analysis_id", run.ID))
}

// Shutdown stops accepting submissions and waits for in-flight runs to
// finish. When the context expires first, the remaining runs are canceled
// and Shutdown still waits for them to unwind before returning the
// context's error.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-drained
		return ctx.Err()
	}
}
