package failure

import (
	"strings"

	"github.com/deckhand-dev/deckhand/internal/execute"
	"github.com/deckhand-dev/deckhand/internal/recipe"
)

// Match layers, from most to least specific.
const (
	LayerMethodFamily  = "method_family"
	LayerRecipeGeneric = "recipe_generic"
	LayerInfra         = "infra"
	LayerUnhandled     = "unhandled"
)

// Match is the outcome of classifying one step failure.
type Match struct {
	// Handler is nil when Layer is unhandled.
	Handler *recipe.FailureHandler
	Layer   string
	ToolID  string
}

// Matched reports whether a handler claimed the failure.
func (m Match) Matched() bool { return m.Handler != nil }

// FailureID returns the matched handler's ID, or "unhandled".
func (m Match) FailureID() string {
	if m.Handler == nil {
		return "unhandled"
	}
	return m.Handler.FailureID
}

// Matcher classifies step failures against a recipe's handlers and the
// shared infrastructure table.
type Matcher struct {
	infra []recipe.FailureHandler
}

// NewMatcher builds a Matcher with the infrastructure handlers
// compiled.
func NewMatcher() *Matcher {
	infra := infraHandlers()
	for i := range infra {
		// Patterns are static; Compile cannot fail here.
		_ = infra[i].Compile()
	}
	return &Matcher{infra: infra}
}

// Match finds the first handler claiming the failure. Handlers scoped
// to the failing step's method family are consulted first, then the
// recipe's generic handlers, then the infrastructure table. rec may be
// nil when the failure happened outside any recipe's install step.
func (m *Matcher) Match(rec *recipe.Recipe, f *execute.StepFailure) Match {
	exitCode := -1
	if f.ExitCode != nil {
		exitCode = *f.ExitCode
	}
	tail := strings.Join(f.StderrTail, "\n")

	toolID := f.ToolID
	if rec != nil {
		if h := matchHandlers(rec.OnFailure, f.MethodFamily, true, exitCode, tail); h != nil {
			return Match{Handler: h, Layer: LayerMethodFamily, ToolID: toolID}
		}
		if h := matchHandlers(rec.OnFailure, "", false, exitCode, tail); h != nil {
			return Match{Handler: h, Layer: LayerRecipeGeneric, ToolID: toolID}
		}
	}

	for i := range m.infra {
		if m.infra[i].Matches(exitCode, tail) {
			return Match{Handler: &m.infra[i], Layer: LayerInfra, ToolID: toolID}
		}
	}

	return Match{Layer: LayerUnhandled, ToolID: toolID}
}

// matchHandlers scans handlers in declared order. With familyScoped
// true only handlers bound to family are considered; otherwise only
// unscoped handlers.
func matchHandlers(handlers []recipe.FailureHandler, family string, familyScoped bool, exitCode int, tail string) *recipe.FailureHandler {
	for i := range handlers {
		h := &handlers[i]
		if familyScoped {
			if h.MethodFamily == "" || h.MethodFamily != family {
				continue
			}
		} else if h.MethodFamily != "" {
			continue
		}
		if h.Matches(exitCode, tail) {
			return h
		}
	}
	return nil
}
