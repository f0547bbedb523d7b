package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginAndExtend(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	c := tr.Begin("cargo-audit", "rustc_too_old")
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, 1, c.Depth)
	require.Len(t, c.Breadcrumbs, 1)
	assert.Equal(t, "cargo-audit", c.Breadcrumbs[0].ToolID)
	assert.Equal(t, "rustc_too_old", c.Breadcrumbs[0].FailureID)
	assert.False(t, c.LoopDetected)

	// The user picked update_rust_via_rustup; rustup then failed on the
	// network.
	c2, ok := tr.Extend(c.ID, "update_rust_via_rustup", "rustup", "rustup_download_failed")
	require.True(t, ok)
	assert.Equal(t, c.ID, c2.ID)
	assert.Equal(t, 2, c2.Depth)
	require.Len(t, c2.Breadcrumbs, 2)
	assert.Equal(t, "update_rust_via_rustup", c2.Breadcrumbs[0].OptionID, "chosen option recorded on the previous hop")
	assert.Equal(t, "rustup", c2.Breadcrumbs[1].ToolID)
	assert.False(t, c2.LoopDetected)
}

func TestExtendUnknownChain(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	_, ok := tr.Extend("no-such-chain", "opt", "jq", "disk_full")
	assert.False(t, ok)
}

func TestLoopDetection(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	c := tr.Begin("ruff", "pep668")
	c2, ok := tr.Extend(c.ID, "use_pipx", "pipx", "network_unreachable")
	require.True(t, ok)
	assert.False(t, c2.LoopDetected)

	// Retrying pipx leads back to the original ruff failure.
	c3, ok := tr.Extend(c.ID, "retry_after_network", "ruff", "pep668")
	require.True(t, ok)
	assert.True(t, c3.LoopDetected)
	assert.Equal(t, 3, c3.Depth)

	// The flag sticks on later reads.
	got, ok := tr.Get(c.ID)
	require.True(t, ok)
	assert.True(t, got.LoopDetected)
}

func TestResolveDropsChain(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	c := tr.Begin("jq", "disk_full")
	assert.Equal(t, 1, tr.Len())

	tr.Resolve(c.ID)
	assert.Equal(t, 0, tr.Len())
	_, ok := tr.Get(c.ID)
	assert.False(t, ok)
}

func TestSweepExpiresIdleChains(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tr := NewTracker(WithInactivity(time.Hour), WithClock(clock))
	defer tr.Close()

	stale := tr.Begin("jq", "disk_full")

	now = now.Add(30 * time.Minute)
	fresh := tr.Begin("ruff", "pep668")

	now = now.Add(45 * time.Minute)
	tr.sweep()

	_, ok := tr.Get(stale.ID)
	assert.False(t, ok, "idle past the cutoff")
	_, ok = tr.Get(fresh.ID)
	assert.True(t, ok, "still within the window")
}

func TestExtendRefreshesActivity(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tr := NewTracker(WithInactivity(time.Hour), WithClock(clock))
	defer tr.Close()

	c := tr.Begin("jq", "disk_full")

	now = now.Add(50 * time.Minute)
	_, ok := tr.Extend(c.ID, "free_disk_space", "jq", "network_unreachable")
	require.True(t, ok)

	now = now.Add(50 * time.Minute)
	tr.sweep()

	_, ok = tr.Get(c.ID)
	assert.True(t, ok, "activity reset the idle clock")
}

func TestSnapshotIsolation(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	c := tr.Begin("jq", "disk_full")
	c.Breadcrumbs[0].ToolID = "mutated"

	got, ok := tr.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, "jq", got.Breadcrumbs[0].ToolID)
}
