package main

import (
	"fmt"
	"time"

	"github.com/deckhand-dev/deckhand/internal/audit"
	"github.com/deckhand-dev/deckhand/internal/chain"
	"github.com/deckhand-dev/deckhand/internal/config"
	"github.com/deckhand-dev/deckhand/internal/devcache"
	"github.com/deckhand-dev/deckhand/internal/execute"
	"github.com/deckhand-dev/deckhand/internal/failure"
	"github.com/deckhand-dev/deckhand/internal/fetch"
	"github.com/deckhand-dev/deckhand/internal/log"
	"github.com/deckhand-dev/deckhand/internal/metrics"
	"github.com/deckhand-dev/deckhand/internal/plan"
	"github.com/deckhand-dev/deckhand/internal/profile"
	"github.com/deckhand-dev/deckhand/internal/recipe"
	"github.com/deckhand-dev/deckhand/internal/release"
	"github.com/deckhand-dev/deckhand/internal/userconfig"
)

// runtime bundles the wired control plane components the CLI commands
// share. Everything hangs off the resolved deckhand home.
type runtime struct {
	cfg      *config.Config
	user     *userconfig.Config
	registry *recipe.Registry
	profiles *profile.Service
	resolver *plan.Resolver
	executor *execute.Executor
	matcher  *failure.Matcher
	planner  *failure.Planner
	chains   *chain.Tracker
	cache    *devcache.Cache
	auditor  *audit.Writer
	metrics  *metrics.Metrics
	runner   profile.Runner
}

// newRuntime loads the catalog and wires every component. Operator
// recipes in <home>/recipes shadow the embedded catalog by tool ID.
func newRuntime() (*runtime, error) {
	cfg, err := config.DefaultConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	user, err := userconfig.Load()
	if err != nil {
		return nil, err
	}

	operator, err := recipe.LoadDir(cfg.RecipesDir)
	if err != nil {
		return nil, err
	}
	registry, err := recipe.NewRegistry(append(recipe.Builtin(), operator...))
	if err != nil {
		return nil, err
	}

	logger := log.Default()
	runner := profile.NewExecRunner(config.GetProbeTimeout())
	profiles := profile.NewService(profile.NewDetector(profile.WithLogger(logger)))

	resolver := plan.NewResolver(registry,
		plan.WithReleases(release.NewClient(release.WithLogger(logger))),
		plan.WithBinDir(cfg.BinDir),
		plan.WithStepTimeout(time.Duration(user.StepTimeoutSeconds)*time.Second),
		plan.WithLogger(logger),
	)

	executor := execute.NewExecutor(
		execute.WithLogger(logger),
		execute.WithBinaryInstaller(fetch.NewInstaller(fetch.WithLogger(logger))),
	)

	cache, err := devcache.New(cfg.CacheFile, devcache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open devops cache: %w", err)
	}

	m := metrics.New()
	auditor := audit.NewWriter(cfg.AuditFile,
		audit.WithLogger(logger),
		audit.WithErrorHook(m.AuditWriteFailures.Inc),
	)

	return &runtime{
		cfg:      cfg,
		user:     user,
		registry: registry,
		profiles: profiles,
		resolver: resolver,
		executor: executor,
		matcher:  failure.NewMatcher(),
		planner: failure.NewPlanner(registry,
			failure.WithRunner(runner),
			failure.WithPreviewer(resolver),
			failure.WithLogger(logger),
		),
		chains:  chain.NewTracker(chain.WithLogger(logger)),
		cache:   cache,
		auditor: auditor,
		metrics: m,
		runner:  runner,
	}, nil
}

// close releases background resources.
func (r *runtime) close() {
	r.chains.Close()
	r.cache.Close()
}
