package recipe

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError describes one catalog validation failure.
type ValidationError struct {
	ToolID  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("recipe %q: %s: %s", e.ToolID, e.Field, e.Message)
}

// LoadError aggregates every validation failure found in a catalog.
// Any LoadError at startup is fatal.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid recipe catalog: %s", e.Errors[0].Error())
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid recipe catalog: %d errors:\n  - %s",
		len(e.Errors), strings.Join(msgs, "\n  - "))
}

// Registry is the immutable recipe catalog, validated at construction.
type Registry struct {
	byID map[string]*Recipe
}

// NewRegistry validates the given recipes and builds a registry.
// Later recipes shadow earlier ones with the same ID, so operator
// recipes layered over the embedded catalog win.
func NewRegistry(recipes []*Recipe) (*Registry, error) {
	byID := make(map[string]*Recipe, len(recipes))
	for _, r := range recipes {
		byID[r.ID] = r
	}

	var errs []ValidationError
	for _, r := range byID {
		errs = append(errs, validateRecipe(r, byID)...)
	}
	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool {
			if errs[i].ToolID != errs[j].ToolID {
				return errs[i].ToolID < errs[j].ToolID
			}
			return errs[i].Field < errs[j].Field
		})
		return nil, &LoadError{Errors: errs}
	}

	return &Registry{byID: byID}, nil
}

// Lookup returns the recipe for a tool ID.
func (reg *Registry) Lookup(toolID string) (*Recipe, error) {
	r, ok := reg.byID[toolID]
	if !ok {
		return nil, &NotFoundError{ToolID: toolID}
	}
	return r, nil
}

// AllIDs returns every known tool ID, sorted.
func (reg *Registry) AllIDs() []string {
	ids := make([]string, 0, len(reg.byID))
	for id := range reg.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the catalog size.
func (reg *Registry) Len() int {
	return len(reg.byID)
}

func validateRecipe(r *Recipe, byID map[string]*Recipe) []ValidationError {
	var errs []ValidationError
	fail := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{
			ToolID:  r.ID,
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if r.ID == "" {
		fail("id", "empty tool ID")
	}
	if len(r.Methods) == 0 {
		fail("methods", "recipe has no method specs")
	}
	for i, m := range r.Methods {
		if m.Family == "" {
			fail(fmt.Sprintf("methods[%d]", i), "missing family")
		}
		if len(m.Commands) == 0 && !m.IsBinary() {
			fail(fmt.Sprintf("methods[%d]", i), "method has neither commands_by_pm nor binary_url_template")
		}
		if m.IsBinary() && len(m.BinaryArches) == 0 {
			fail(fmt.Sprintf("methods[%d]", i), "binary method must declare binary_arches")
		}
	}

	if len(r.Verify) == 0 {
		fail("verify", "missing verify command")
	}

	for _, dep := range r.Deps {
		if _, ok := byID[dep]; !ok {
			fail("deps", "dependency %q does not resolve to a recipe", dep)
		}
	}

	seen := make(map[string]bool)
	for i := range r.OnFailure {
		h := &r.OnFailure[i]
		field := fmt.Sprintf("on_failure[%d]", i)

		if h.FailureID == "" {
			fail(field, "missing failure_id")
			continue
		}
		if seen[h.FailureID] {
			fail(field, "duplicate failure_id %q", h.FailureID)
		}
		seen[h.FailureID] = true

		if err := h.Compile(); err != nil {
			fail(field, "invalid pattern: %v", err)
			continue
		}
		if len(h.Options) == 0 {
			fail(field, "handler %q has no remediation options", h.FailureID)
		}
		for j, opt := range h.Options {
			switch opt.Strategy {
			case StrategyRetry, StrategyManual:
			case StrategyInstallPrereq, StrategyAltMethod:
				if opt.Target == "" {
					fail(fmt.Sprintf("%s.options[%d]", field, j), "strategy %q requires a target", opt.Strategy)
				}
			default:
				fail(fmt.Sprintf("%s.options[%d]", field, j), "unknown strategy %q", opt.Strategy)
			}
			switch opt.Risk {
			case RiskLow, RiskMedium, RiskHigh:
			default:
				fail(fmt.Sprintf("%s.options[%d]", field, j), "unknown risk %q", opt.Risk)
			}
		}

		// Example stderr, when present, must actually match the
		// handler's pattern. This keeps patterns honest.
		if example, ok := r.ExampleStderr[h.FailureID]; ok {
			exitCode := 1
			if h.ExitCode != nil {
				exitCode = *h.ExitCode
			}
			if !h.Matches(exitCode, example) {
				fail(field, "example stderr for %q does not match pattern %q", h.FailureID, h.Pattern)
			}
		}
	}

	for failureID := range r.ExampleStderr {
		if !seen[failureID] {
			fail("example_stderr_by_failure_id", "no handler with failure_id %q", failureID)
		}
	}

	return errs
}
