package main

import (
	"fmt"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/daemon"
	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/catalog/patch"
	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
	"github.com/allcryptotokens/tokendb/internal/ui"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "maintenance",
	Short:   "Apply patch files dropped into an inbox directory (foreground)",
	Long: `Watch an inbox directory and merge every *.json patch file placed in it.

The watcher will:
  1. Apply the files already waiting in the inbox
  2. Apply new or rewritten files once they have been quiet for --debounce
  3. Move each file to applied/ or failed/ with a .audit.yaml beside it

Press Ctrl+C to stop.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.String("inbox", "", "inbox directory (default from config: patches)")
	f.Duration("debounce", 0, "quiet period before a file is applied")
	f.Bool("overwrite", false, "replace non-empty fields")
	f.String("dashboard", "", "serve a WebSocket feed of applied patches on this address")

	mustBind("watch.inbox", f.Lookup("inbox"))
	mustBind("watch.debounce", f.Lookup("debounce"))
	mustBind("watch.overwrite", f.Lookup("overwrite"))

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dashAddr, _ := cmd.Flags().GetString("dashboard")

	database, err := openStore(ctx, db.Resume, false)
	if err != nil {
		return err
	}
	defer database.Close()

	mode := schema.FillOnly
	if cfg.Watch.Overwrite {
		mode = schema.Overwrite
	}
	d, err := daemon.New(database, cfg.Watch.Inbox, &daemon.Config{
		DebounceInterval: cfg.Watch.Debounce,
		Mode:             mode,
		BumpGeneration:   cfg.Watch.BumpGeneration,
		Now:              time.Now,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	handler, stopDashboard, err := startDashboard(dashAddr, database)
	if err != nil {
		return err
	}
	defer stopDashboard()

	d.OnProcessed(func(path string, res *patch.Result, err error) {
		if err != nil {
			fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), path, err)
		} else if res != nil {
			fmt.Printf("%s %s: %d updated, %d missing, generation %d\n",
				ui.RenderPass("✓"), path, res.Updated, res.MissingInStore, res.Generation)
		}
		if handler != nil {
			handler.OnPatch(path, res, err)
		}
	})

	fmt.Printf("%s Watching %s\n", ui.RenderAccent("→"), d.Inbox())
	fmt.Printf("   Catalog: %s (%s)\n", cfg.Store.Path, mode)
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	return d.Start(ctx)
}
