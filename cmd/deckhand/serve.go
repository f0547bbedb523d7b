package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deckhand-dev/deckhand/internal/execute"
	"github.com/deckhand-dev/deckhand/internal/log"
	"github.com/deckhand-dev/deckhand/internal/server"
)

var serveListenFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API for the web UI",
	Long: `Start the deckhand API server.

The server binds to loopback by default and serves the system profile,
install planning, streamed execution, remediation, the devops cache,
and the audit trail. Configure the bind address with --listen or the
'listen' key in config.toml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		pool := execute.NewPool(rt.executor,
			execute.WithWorkers(rt.user.ExecutorPoolSize),
			execute.WithQueueSize(rt.user.ExecutorQueueSize),
			execute.WithPoolLogger(log.Default()),
		)
		defer pool.Close()

		srv := server.New(server.Deps{
			Profiles:       rt.profiles,
			Registry:       rt.registry,
			Resolver:       rt.resolver,
			Pool:           pool,
			Matcher:        rt.matcher,
			Planner:        rt.planner,
			Chains:         rt.chains,
			Cache:          rt.cache,
			Audit:          rt.auditor,
			Metrics:        rt.metrics,
			Runner:         rt.runner,
			Logger:         log.Default(),
			AllowedOrigins: rt.user.AllowedOrigins,
		})

		addr := rt.user.Listen
		if serveListenFlag != "" {
			addr = serveListenFlag
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("deckhand API listening on http://%s\n", addr)
		if err := srv.ListenAndServe(ctx, addr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListenFlag, "listen", "", "Bind address (overrides config.toml)")
}
