package failure

import (
	"errors"
	"fmt"

	"github.com/deckhand-dev/deckhand/internal/plan"
	"github.com/deckhand-dev/deckhand/internal/recipe"
)

// ErrManualOption marks a chosen option that has no executable plan; the
// user has to act outside the system and retry.
var ErrManualOption = errors.New("option is a manual step")

// Option finds a declared remediation option by failure and option ID.
// The recipe's own handlers are searched first, then the shared
// infrastructure table. rec may be nil.
func (m *Matcher) Option(rec *recipe.Recipe, failureID, optionID string) (*recipe.RemediationOption, error) {
	var h *recipe.FailureHandler
	if rec != nil {
		h = rec.Handler(failureID)
	}
	if h == nil {
		for i := range m.infra {
			if m.infra[i].FailureID == failureID {
				h = &m.infra[i]
				break
			}
		}
	}
	if h == nil {
		return nil, fmt.Errorf("unknown failure %q", failureID)
	}

	for i := range h.Options {
		if h.Options[i].ID == optionID {
			return &h.Options[i], nil
		}
	}
	return nil, fmt.Errorf("failure %q has no option %q", failureID, optionID)
}

// OptionTarget maps a chosen option to the tool whose plan should be
// resolved and the resolver options to use. Returns ErrManualOption for
// strategies that have nothing to execute.
func OptionTarget(opt *recipe.RemediationOption, toolID string) (string, plan.Options, error) {
	switch opt.Strategy {
	case recipe.StrategyRetry:
		return toolID, plan.Options{}, nil
	case recipe.StrategyInstallPrereq:
		// Re-running the prerequisite's installer is the point even when
		// it is already present (rustup updating a toolchain).
		return opt.Target, plan.Options{ForceReinstall: true}, nil
	case recipe.StrategyAltMethod:
		return toolID, plan.Options{ForceMethodFamily: opt.Target}, nil
	case recipe.StrategyManual:
		return "", plan.Options{}, ErrManualOption
	default:
		return "", plan.Options{}, fmt.Errorf("unknown remediation strategy %q", opt.Strategy)
	}
}
