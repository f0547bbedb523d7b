package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandFor(t *testing.T) {
	m := &Method{
		Family: "apt",
		Commands: map[string][]string{
			"apt":      {"apt-get", "install", "-y", "jq"},
			KeyDefault: {"sh", "-c", "echo fallback"},
		},
		NeedsSudo: map[string]bool{"apt": true},
	}

	argv, sudo, ok := m.CommandFor("apt")
	require.True(t, ok)
	assert.Equal(t, []string{"apt-get", "install", "-y", "jq"}, argv)
	assert.True(t, sudo)

	argv, sudo, ok = m.CommandFor("pacman")
	require.True(t, ok, "unknown manager falls back to _default")
	assert.Equal(t, []string{"sh", "-c", "echo fallback"}, argv)
	assert.False(t, sudo)

	m.Commands = map[string][]string{"apt": {"apt-get", "install", "-y", "jq"}}
	_, _, ok = m.CommandFor("pacman")
	assert.False(t, ok, "no _default means no match")
}

func TestMethodSupportsArch(t *testing.T) {
	m := &Method{BinaryURLTemplate: "u", BinaryArches: []string{"amd64", "arm64"}}
	assert.True(t, m.SupportsArch("amd64"))
	assert.False(t, m.SupportsArch("386"))
	assert.True(t, m.IsBinary())
}

func TestHandlerMatchesExitCodeAndPattern(t *testing.T) {
	code := 137
	h := &FailureHandler{
		FailureID: "oom",
		ExitCode:  &code,
		Pattern:   "",
	}
	require.NoError(t, h.Compile())

	assert.True(t, h.Matches(137, ""), "empty pattern matches any stderr")
	assert.False(t, h.Matches(1, "killed"), "exit code pin must match")

	h2 := &FailureHandler{FailureID: "pep668", Pattern: `externally-managed-environment`}
	require.NoError(t, h2.Compile())
	assert.True(t, h2.Matches(1, "error: externally-managed-environment\nhint: ..."))
	assert.True(t, h2.Matches(2, "error: externally-managed-environment"), "nil exit code matches any")
	assert.False(t, h2.Matches(1, "No space left on device"))
}

func TestBuiltinExampleStderrMatchesHandlers(t *testing.T) {
	// The shipped samples double as regression tests for the patterns.
	for _, r := range Builtin() {
		for failureID, sample := range r.ExampleStderr {
			h := r.Handler(failureID)
			require.NotNil(t, h, "%s: handler %s", r.ID, failureID)
			require.NoError(t, h.Compile())

			exitCode := 1
			if h.ExitCode != nil {
				exitCode = *h.ExitCode
			}
			assert.True(t, h.Matches(exitCode, sample), "%s/%s", r.ID, failureID)
		}
	}
}

func TestRuffScenarioHandlerShape(t *testing.T) {
	var ruff *Recipe
	for _, r := range Builtin() {
		if r.ID == "ruff" {
			ruff = r
		}
	}
	require.NotNil(t, ruff)

	h := ruff.Handler("pep668")
	require.NotNil(t, h)
	assert.Equal(t, "pip", h.MethodFamily)

	ids := make([]string, len(h.Options))
	for i, opt := range h.Options {
		ids[i] = opt.ID
	}
	assert.Equal(t, []string{"use_pipx", "use_venv", "break_system_packages", "install_from_apt"}, ids)

	assert.True(t, h.Options[0].Recommended)
	assert.Equal(t, StrategyInstallPrereq, h.Options[0].Strategy)
	assert.Equal(t, "pipx", h.Options[0].Target)
	assert.Equal(t, RiskMedium, h.Options[2].Risk)

	apt := h.Options[3]
	require.NotNil(t, apt.LockConditions)
	assert.Equal(t, "python3-ruff not available in Debian repos", apt.LockConditions.FamilyLockReasons["debian"])
}

func TestHandlerLookupMissing(t *testing.T) {
	r := &Recipe{ID: "x"}
	assert.Nil(t, r.Handler("nope"))
}
