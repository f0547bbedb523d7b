package execute

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deckhand-dev/deckhand/internal/config"
	"github.com/deckhand-dev/deckhand/internal/log"
)

// ErrQueueFull is returned when both the worker pool and its waiting
// queue are saturated. The API maps it to 503.
var ErrQueueFull = errors.New("execution queue is full")

// Run states reported by Pool.Status.
const (
	StateQueued   = "queued"
	StateRunning  = "running"
	StateFinished = "finished"
)

// eventBuffer bounds one run's event channel. The HTTP stream drains
// continuously; the buffer only absorbs bursts.
const eventBuffer = 256

// Run is one submitted plan execution. Events is a single-consumer
// stream closed after the terminal done event.
type Run struct {
	ID     string
	ToolID string

	events chan Event
	cancel context.CancelFunc

	mu     sync.Mutex
	state  string
	result *Result
}

// Events returns the run's event stream.
func (r *Run) Events() <-chan Event { return r.events }

// Cancel requests cooperative shutdown: the active step gets SIGTERM,
// then SIGKILL after the grace period.
func (r *Run) Cancel() { r.cancel() }

// State returns the run's current lifecycle state.
func (r *Run) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Result returns the terminal result, or nil while the run is live.
func (r *Run) Result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Run) setState(s string) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) finish(res Result) {
	r.mu.Lock()
	r.state = StateFinished
	r.result = &res
	r.mu.Unlock()
}

type job struct {
	run *Run
	ctx context.Context
	req Request
}

// Pool executes plans on a fixed set of workers with a bounded waiting
// queue. Terminal results are retained for a window so a disconnected
// client can still learn how its run ended.
type Pool struct {
	executor *Executor
	logger   log.Logger

	queue chan job

	mu   sync.Mutex
	runs map[string]*Run

	retention time.Duration
	clock     func() time.Time
	finished  map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*poolConfig)

type poolConfig struct {
	workers   int
	queueSize int
	retention time.Duration
	logger    log.Logger
	clock     func() time.Time
}

// WithWorkers sets the number of concurrent executions.
func WithWorkers(n int) PoolOption {
	return func(c *poolConfig) { c.workers = n }
}

// WithQueueSize sets how many runs may wait beyond the active workers.
func WithQueueSize(n int) PoolOption {
	return func(c *poolConfig) { c.queueSize = n }
}

// WithRetention sets how long finished results are kept.
func WithRetention(d time.Duration) PoolOption {
	return func(c *poolConfig) { c.retention = d }
}

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(l log.Logger) PoolOption {
	return func(c *poolConfig) { c.logger = l }
}

// WithPoolClock overrides the time source (tests).
func WithPoolClock(f func() time.Time) PoolOption {
	return func(c *poolConfig) { c.clock = f }
}

// NewPool builds and starts a Pool over the given executor.
func NewPool(executor *Executor, opts ...PoolOption) *Pool {
	cfg := poolConfig{
		workers:   config.DefaultExecutorPoolSize,
		queueSize: config.DefaultExecutorQueueSize,
		retention: config.DefaultTerminalRetention,
		logger:    log.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Pool{
		executor:  executor,
		logger:    cfg.logger,
		queue:     make(chan job, cfg.queueSize),
		runs:      make(map[string]*Run),
		retention: cfg.retention,
		clock:     cfg.clock,
		finished:  make(map[string]time.Time),
		stop:      make(chan struct{}),
	}

	for i := 0; i < cfg.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Add(1)
	go p.janitor()

	return p
}

// Submit enqueues a plan execution. It returns ErrQueueFull when no
// worker or queue slot is free.
func (p *Pool) Submit(ctx context.Context, req Request) (*Run, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &Run{
		ID:     uuid.NewString(),
		ToolID: req.Plan.ToolID,
		events: make(chan Event, eventBuffer),
		cancel: cancel,
		state:  StateQueued,
	}

	select {
	case p.queue <- job{run: run, ctx: runCtx, req: req}:
	default:
		cancel()
		return nil, ErrQueueFull
	}

	p.mu.Lock()
	p.runs[run.ID] = run
	p.mu.Unlock()

	p.logger.Debug("run queued", "run_id", run.ID, "tool", run.ToolID)
	return run, nil
}

// Lookup returns a known run by ID; finished runs stay resolvable until
// the retention window expires.
func (p *Pool) Lookup(runID string) (*Run, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	run, ok := p.runs[runID]
	return run, ok
}

// ActiveCount returns the number of queued or running executions.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, run := range p.runs {
		if run.State() != StateFinished {
			n++
		}
	}
	return n
}

// Close stops the workers. Queued runs that never started get a
// cancelled result.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case j := <-p.queue:
			p.execute(j)
		}
	}
}

func (p *Pool) execute(j job) {
	j.run.setState(StateRunning)
	p.logger.Info("run started", "run_id", j.run.ID, "tool", j.run.ToolID)

	res := p.executor.Run(j.ctx, j.run.ID, j.req, j.run.events)
	// Result must be readable the moment the stream ends.
	j.run.finish(res)
	close(j.run.events)

	p.mu.Lock()
	p.finished[j.run.ID] = p.clock()
	p.mu.Unlock()

	p.logger.Info("run finished",
		"run_id", j.run.ID, "tool", j.run.ToolID, "status", res.Status)
}

// janitor drops finished runs once their retention window passes.
func (p *Pool) janitor() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	cutoff := p.clock().Add(-p.retention)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, at := range p.finished {
		if at.Before(cutoff) {
			delete(p.finished, id)
			delete(p.runs, id)
		}
	}
}
