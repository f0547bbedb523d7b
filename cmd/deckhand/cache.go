package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deckhand-dev/deckhand/internal/audit"
	"github.com/deckhand-dev/deckhand/internal/devcache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and invalidate the devops cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <card>",
	Short: "Show a cached card and its freshness",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := newRuntime()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitWithCode(ExitGeneral)
		}
		defer rt.close()

		card := args[0]
		payload, status := rt.cache.Get(card)
		if status == devcache.StatusMiss {
			fmt.Printf("%s: not cached\n", card)
			return
		}

		fmt.Printf("%s (%s, generation %d):\n", card, status, rt.cache.Generation())
		var pretty any
		if err := json.Unmarshal(payload, &pretty); err == nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(pretty)
		} else {
			fmt.Println(string(payload))
		}
	},
}

var cacheBustCmd = &cobra.Command{
	Use:   "bust [card]",
	Short: "Invalidate one card, or the whole cache",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := newRuntime()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitWithCode(ExitGeneral)
		}
		defer rt.close()

		genBefore := rt.cache.Generation()
		card := ""
		if len(args) > 0 {
			card = args[0]
			rt.cache.Invalidate(card)
			fmt.Printf("Invalidated %s.\n", card)
		} else {
			rt.cache.Bust()
			fmt.Println("Invalidated all cached cards.")
		}

		details, _ := json.Marshal(map[string]any{
			"generation_before": genBefore,
			"generation_after":  rt.cache.Generation(),
		})
		rt.auditor.Log(audit.Record{Kind: audit.KindCacheBust, Card: card, Details: details})
	},
}

func init() {
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheBustCmd)
}
