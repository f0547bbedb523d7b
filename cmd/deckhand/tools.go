package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/deckhand-dev/deckhand/internal/recipe"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tool catalog with install status",
	Long:  `List every tool in the catalog and whether it is currently installed.`,
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := newRuntime()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitWithCode(ExitGeneral)
		}
		defer rt.close()

		ids := rt.registry.AllIDs()

		type row struct {
			rec       *recipe.Recipe
			installed bool
		}
		rows := make([]row, len(ids))

		var wg sync.WaitGroup
		for i, id := range ids {
			rec, err := rt.registry.Lookup(id)
			if err != nil {
				continue
			}
			rows[i].rec = rec
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if len(rows[i].rec.Verify) == 0 {
					return
				}
				_, code, err := rt.runner.Run(cmd.Context(), rows[i].rec.Verify[0], rows[i].rec.Verify[1:]...)
				rows[i].installed = err == nil && code == 0
			}(i)
		}
		wg.Wait()

		fmt.Printf("%-16s  %-12s  %-10s  %s\n", "TOOL", "CATEGORY", "STATUS", "DESCRIPTION")
		for _, r := range rows {
			if r.rec == nil {
				continue
			}
			status := "-"
			if r.installed {
				status = "installed"
			}
			fmt.Printf("%-16s  %-12s  %-10s  %s\n", r.rec.ID, r.rec.Category, status, r.rec.Label)
		}
	},
}
