// Package chain tracks escalation chains: the trail a user follows
// when a remediation attempt fails and produces a new failure of its
// own. Chains give the UI breadcrumbs and let the planner detect loops
// (the same failure resurfacing down its own remediation path).
package chain

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deckhand-dev/deckhand/internal/config"
	"github.com/deckhand-dev/deckhand/internal/log"
)

// Breadcrumb is one hop of an escalation chain.
type Breadcrumb struct {
	ToolID    string    `json:"tool_id"`
	FailureID string    `json:"failure_id"`
	OptionID  string    `json:"option_id,omitempty"`
	At        time.Time `json:"at"`
}

// Chain is one live escalation chain. Values returned by the tracker
// are snapshots; mutating them does not affect the tracked state.
type Chain struct {
	ID    string `json:"chain_id"`
	Depth int    `json:"depth"`

	Breadcrumbs []Breadcrumb `json:"breadcrumbs"`

	// LoopDetected is set when a (tool, failure) pair resurfaces inside
	// its own chain. The remediation for a looping failure should stop
	// offering the path that led back here.
	LoopDetected bool `json:"loop_detected"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (c *Chain) snapshot() Chain {
	out := *c
	out.Breadcrumbs = append([]Breadcrumb(nil), c.Breadcrumbs...)
	return out
}

func (c *Chain) contains(toolID, failureID string) bool {
	for _, b := range c.Breadcrumbs {
		if b.ToolID == toolID && b.FailureID == failureID {
			return true
		}
	}
	return false
}

// Tracker owns all live chains. Chains idle past the inactivity cutoff
// are garbage collected.
type Tracker struct {
	mu     sync.Mutex
	chains map[string]*Chain

	inactivity time.Duration
	clock      func() time.Time
	logger     log.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithInactivity sets the idle cutoff after which a chain is dropped.
func WithInactivity(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.inactivity = d }
}

// WithClock overrides the time source (tests).
func WithClock(f func() time.Time) TrackerOption {
	return func(t *Tracker) { t.clock = f }
}

// WithLogger sets the tracker's logger.
func WithLogger(l log.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker builds a Tracker and starts its GC loop.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		chains:     make(map[string]*Chain),
		inactivity: config.DefaultChainInactivity,
		clock:      time.Now,
		logger:     log.Default(),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.wg.Add(1)
	go t.gcLoop()
	return t
}

// Begin opens a new chain rooted at the given failure.
func (t *Tracker) Begin(toolID, failureID string) Chain {
	now := t.clock().UTC()
	c := &Chain{
		ID:        uuid.NewString(),
		Depth:     1,
		CreatedAt: now,
		Breadcrumbs: []Breadcrumb{
			{ToolID: toolID, FailureID: failureID, At: now},
		},
		LastActivity: now,
	}

	t.mu.Lock()
	t.chains[c.ID] = c
	t.mu.Unlock()

	t.logger.Debug("chain started", "chain_id", c.ID, "tool", toolID, "failure", failureID)
	return c.snapshot()
}

// Extend records that pursuing optionID from the chain's tip led to a
// new failure. It returns the updated chain; ok is false when the chain
// is unknown (expired or never existed), in which case the caller
// should Begin a fresh one.
func (t *Tracker) Extend(chainID, optionID, toolID, failureID string) (Chain, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.chains[chainID]
	if !ok {
		return Chain{}, false
	}

	now := t.clock().UTC()
	if len(c.Breadcrumbs) > 0 {
		c.Breadcrumbs[len(c.Breadcrumbs)-1].OptionID = optionID
	}

	if c.contains(toolID, failureID) {
		c.LoopDetected = true
		t.logger.Warn("escalation loop detected",
			"chain_id", c.ID, "tool", toolID, "failure", failureID, "depth", c.Depth)
	}

	c.Breadcrumbs = append(c.Breadcrumbs, Breadcrumb{
		ToolID: toolID, FailureID: failureID, At: now,
	})
	c.Depth = len(c.Breadcrumbs)
	c.LastActivity = now

	return c.snapshot(), true
}

// Resolve closes a chain whose failure was remediated successfully.
func (t *Tracker) Resolve(chainID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.chains, chainID)
}

// Get returns a snapshot of a live chain.
func (t *Tracker) Get(chainID string) (Chain, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chains[chainID]
	if !ok {
		return Chain{}, false
	}
	return c.snapshot(), true
}

// Len returns the number of live chains.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chains)
}

// Close stops the GC loop.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
}

func (t *Tracker) gcLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	cutoff := t.clock().Add(-t.inactivity)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.chains {
		if c.LastActivity.Before(cutoff) {
			delete(t.chains, id)
			t.logger.Debug("chain expired", "chain_id", id, "depth", c.Depth)
		}
	}
}
