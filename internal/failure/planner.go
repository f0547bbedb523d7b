package failure

import (
	"context"
	"fmt"

	"github.com/deckhand-dev/deckhand/internal/log"
	"github.com/deckhand-dev/deckhand/internal/plan"
	"github.com/deckhand-dev/deckhand/internal/profile"
	"github.com/deckhand-dev/deckhand/internal/recipe"
)

// Option availability states.
const (
	// AvailabilityReady means the option can run right now.
	AvailabilityReady = "ready"

	// AvailabilityLocked means the option could work after a
	// precondition the reason names is met.
	AvailabilityLocked = "locked"

	// AvailabilityImpossible means the option can never work on this
	// host.
	AvailabilityImpossible = "impossible"
)

// Fallback actions offered alongside (or instead of) options. Cancel
// is always present; retry is withheld when the handler precludes it.
const (
	FallbackCancel = "cancel"
	FallbackRetry  = "retry"
)

// PlannedOption is a remediation option evaluated against the live
// profile.
type PlannedOption struct {
	recipe.RemediationOption

	Availability string `json:"availability"`

	// Reason explains a locked or impossible state.
	Reason string `json:"reason,omitempty"`

	// StepCount is the hypothetically resolved number of steps the
	// option would execute, when it could be computed; otherwise the
	// recipe's static estimate carries in StepCountEst.
	StepCount int `json:"step_count,omitempty"`
}

// Remediation is the full remediation offer for one classified failure.
type Remediation struct {
	FailureID    string `json:"failure_id"`
	Category     string `json:"category,omitempty"`
	Label        string `json:"label,omitempty"`
	Description  string `json:"description,omitempty"`
	MatchedLayer string `json:"matched_layer"`
	ToolID       string `json:"tool_id"`

	Options         []PlannedOption `json:"options"`
	FallbackActions []string        `json:"fallback_actions"`

	// ChainForward marks failures whose chosen option should extend the
	// escalation chain on a subsequent failure.
	ChainForward bool `json:"chain_forward,omitempty"`
}

// PlanPreviewer hypothetically resolves a tool to count the steps an
// option would run. Implemented by the plan resolver; optional.
type PlanPreviewer interface {
	PreviewStepCount(ctx context.Context, toolID string, prof *profile.SystemProfile, opts plan.Options) (int, error)
}

// Planner turns a matched failure into a Remediation.
type Planner struct {
	reg     *recipe.Registry
	runner  profile.Runner
	preview PlanPreviewer
	logger  log.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithRunner sets the runner used to probe whether a required tool is
// already installed.
func WithRunner(r profile.Runner) PlannerOption {
	return func(p *Planner) { p.runner = r }
}

// WithPreviewer wires hypothetical step counting.
func WithPreviewer(pv PlanPreviewer) PlannerOption {
	return func(p *Planner) { p.preview = pv }
}

// WithLogger sets the planner's logger.
func WithLogger(l log.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// NewPlanner builds a Planner over the registry.
func NewPlanner(reg *recipe.Registry, opts ...PlannerOption) *Planner {
	p := &Planner{
		reg:    reg,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan evaluates every option of the matched handler against the
// profile. Declared order is preserved; availability never reorders
// options. Exactly one ready option carries the recommended flag: the
// first declared-recommended ready one, else the first ready one.
func (p *Planner) Plan(ctx context.Context, m Match, prof *profile.SystemProfile) *Remediation {
	rem := &Remediation{
		FailureID:       m.FailureID(),
		MatchedLayer:    m.Layer,
		ToolID:          m.ToolID,
		FallbackActions: []string{FallbackCancel},
	}

	if m.Handler == nil {
		rem.FallbackActions = append(rem.FallbackActions, FallbackRetry)
		return rem
	}

	h := m.Handler
	rem.Category = h.Category
	rem.Label = h.Label
	rem.Description = h.Description
	rem.ChainForward = h.ChainForward
	if !h.PrecludesRetry {
		rem.FallbackActions = append(rem.FallbackActions, FallbackRetry)
	}

	for _, opt := range h.Options {
		planned := PlannedOption{RemediationOption: opt, Availability: AvailabilityReady}
		p.evaluate(ctx, &planned, m.ToolID, prof)
		rem.Options = append(rem.Options, planned)
	}

	markRecommended(rem.Options)
	return rem
}

// evaluate settles one option's availability in place.
func (p *Planner) evaluate(ctx context.Context, opt *PlannedOption, toolID string, prof *profile.SystemProfile) {
	caps := prof.Capabilities

	if opt.RequiresSudo && !caps.HasSudo && !caps.IsRoot {
		opt.Availability = AvailabilityImpossible
		opt.Reason = "requires sudo, which is not available on this host"
		return
	}

	if lc := opt.LockConditions; lc != nil {
		if reason, locked := lc.FamilyLockReasons[prof.Distro.Family]; locked {
			opt.Availability = AvailabilityLocked
			opt.Reason = reason
			return
		}
		if lc.RequiresTool != "" {
			if _, err := p.reg.Lookup(lc.RequiresTool); err != nil {
				opt.Availability = AvailabilityImpossible
				opt.Reason = fmt.Sprintf("requires %s, which is not in the catalog", lc.RequiresTool)
				return
			}
			if !p.toolInstalled(ctx, lc.RequiresTool) {
				opt.Availability = AvailabilityLocked
				opt.Reason = fmt.Sprintf("install %s first", lc.RequiresTool)
				return
			}
		}
	}

	switch opt.Strategy {
	case recipe.StrategyInstallPrereq:
		if _, err := p.reg.Lookup(opt.Target); err != nil {
			opt.Availability = AvailabilityImpossible
			opt.Reason = fmt.Sprintf("prerequisite %s is not in the catalog", opt.Target)
			return
		}
		p.countSteps(ctx, opt, opt.Target, prof, plan.Options{ForceReinstall: true})

	case recipe.StrategyAltMethod:
		rec, err := p.reg.Lookup(toolID)
		if err != nil {
			opt.Availability = AvailabilityImpossible
			opt.Reason = err.Error()
			return
		}
		if !hasMethodFamily(rec, opt.Target) {
			opt.Availability = AvailabilityImpossible
			opt.Reason = fmt.Sprintf("%s has no %s install method", toolID, opt.Target)
			return
		}
		p.countSteps(ctx, opt, toolID, prof, plan.Options{ForceMethodFamily: opt.Target})
	}
}

func (p *Planner) countSteps(ctx context.Context, opt *PlannedOption, toolID string, prof *profile.SystemProfile, planOpts plan.Options) {
	if p.preview == nil {
		return
	}
	n, err := p.preview.PreviewStepCount(ctx, toolID, prof, planOpts)
	if err != nil {
		p.logger.Debug("step count preview failed",
			"tool", toolID, "option", opt.ID, "error", err)
		return
	}
	opt.StepCount = n
}

func (p *Planner) toolInstalled(ctx context.Context, toolID string) bool {
	if p.runner == nil {
		return false
	}
	rec, err := p.reg.Lookup(toolID)
	if err != nil || len(rec.Verify) == 0 {
		return false
	}
	_, code, err := p.runner.Run(ctx, rec.Verify[0], rec.Verify[1:]...)
	return err == nil && code == 0
}

func hasMethodFamily(rec *recipe.Recipe, family string) bool {
	for i := range rec.Methods {
		if rec.Methods[i].Family == family {
			return true
		}
	}
	return false
}

// DegradeForLoop marks every executable option impossible once an
// escalation chain loops back to a failure it has already visited.
// Manual options stay offered so the operator keeps a way out, and the
// recommendation moves to the first of them that is still ready.
func DegradeForLoop(rem *Remediation) {
	for i := range rem.Options {
		opt := &rem.Options[i]
		if opt.Strategy == recipe.StrategyManual {
			continue
		}
		opt.Availability = AvailabilityImpossible
		opt.Reason = "escalation loop detected; automated remediation is exhausted"
	}
	markRecommended(rem.Options)
}

// markRecommended enforces the single-recommendation rule over the
// evaluated options.
func markRecommended(opts []PlannedOption) {
	chosen := -1
	for i := range opts {
		if opts[i].Availability == AvailabilityReady && opts[i].Recommended {
			chosen = i
			break
		}
	}
	if chosen == -1 {
		for i := range opts {
			if opts[i].Availability == AvailabilityReady {
				chosen = i
				break
			}
		}
	}
	for i := range opts {
		opts[i].Recommended = i == chosen
	}
}
