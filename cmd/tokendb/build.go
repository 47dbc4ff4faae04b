package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/catalog/sync"
	"github.com/allcryptotokens/tokendb/internal/config"
	"github.com/allcryptotokens/tokendb/internal/upstream"
	"github.com/allcryptotokens/tokendb/internal/ui"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	GroupID: "catalog",
	Short:   "Build or resume the token catalog",
	Long: `Build the token catalog from upstream sources.

A fresh build runs three phases:
  1. Seeding: list Crypto.com spot symbols and resolve each to one CoinGecko id
  2. Bulk enriching: fetch images in batches through /coins/markets
  3. Detail enriching: fetch description (and a fallback image) per coin

Every phase only touches records that are still incomplete, so an
interrupted build can be continued with --resume. Requests are spaced to
the configured rate (4 per minute by default) and retried with backoff.

Examples:
  tokendb build                       # fresh build into the configured db
  tokendb build --resume              # continue where the last run stopped
  tokendb build --force --yes         # drop all rows and start over
  tokendb build --skip-images --max 50 --report run.yaml`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	f := buildCmd.Flags()
	f.Bool("resume", false, "continue an existing catalog (skip seeding)")
	f.Bool("force", false, "drop all catalog rows before building")
	f.BoolP("yes", "y", false, "do not ask for confirmation")
	f.Bool("skip-images", false, "skip image enrichment")
	f.Int("max", 0, "cap the identifiers handled per phase (0 = no cap)")
	f.Bool("strict", false, "leave symbols with several candidates unresolved")
	f.String("overrides", "", "TOML file with symbol overrides and skips")
	f.String("report", "", "write a YAML run report to this file")
	f.String("dashboard", "", "serve a WebSocket progress feed on this address (e.g. :8080)")

	mustBind("sync.skip_images", f.Lookup("skip-images"))
	mustBind("sync.max_identifiers", f.Lookup("max"))
	mustBind("sync.strict_resolve", f.Lookup("strict"))
	mustBind("sync.overrides_file", f.Lookup("overrides"))

	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	resume, _ := cmd.Flags().GetBool("resume")
	force, _ := cmd.Flags().GetBool("force")
	yes, _ := cmd.Flags().GetBool("yes")
	reportPath, _ := cmd.Flags().GetString("report")
	dashAddr, _ := cmd.Flags().GetString("dashboard")

	if resume && force {
		return errors.New("--resume and --force are mutually exclusive")
	}
	if force {
		ok, err := confirm(cmd, "Drop every catalog row?",
			fmt.Sprintf("%s will be emptied; the generation counter is kept.", cfg.Store.Path), yes)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	overrides, err := config.LoadOverrides(cfg.Sync.OverridesFile)
	if err != nil {
		return err
	}

	mode := db.Fresh
	if resume {
		mode = db.Resume
	}
	database, err := openStore(ctx, mode, force)
	if err != nil {
		return err
	}
	defer database.Close()

	handler, stopDashboard, err := startDashboard(dashAddr, database)
	if err != nil {
		return err
	}
	defer stopDashboard()

	fetcher := newFetcher()
	gecko := newCoinGecko(fetcher)
	pcfg := sync.Config{
		Mode:                 mode,
		SkipImages:           cfg.Sync.SkipImages,
		MaxIdentifiers:       cfg.Sync.MaxIdentifiers,
		BulkBatchSize:        cfg.Sync.BulkBatchSize,
		DescriptionLimit:     cfg.Sync.DescriptionLimit,
		MinDescriptionLength: cfg.Sync.MinDescriptionLength,
		RejectGarbage:        cfg.Sync.RejectGarbage,
		StrictResolve:        cfg.Sync.StrictResolve,
		Overrides:            overrides.Symbols,
		Skip:                 overrides.SkipSet(),
		Now:                  time.Now,
		Logger:               logger,
	}
	if handler != nil {
		pcfg.OnPhase = handler.OnPhase
	}

	p := sync.New(database, sync.Sources{
		Universe: upstream.NewCryptoCom(fetcher, cfg.Upstream.CryptoComURL),
		Resolver: gecko,
		Bulk:     gecko,
		Detail:   gecko,
	}, pcfg)

	fmt.Printf("%s Building %s (%s, %v between requests)\n",
		ui.RenderAccent("→"), cfg.Store.Path, mode, fetcher.Spacing())
	report, runErr := p.Run(ctx)
	if handler != nil {
		handler.OnRunComplete(report)
	}

	printReport(report)
	if reportPath != "" {
		if err := report.WriteYAML(reportPath); err != nil {
			logger.Error("failed to write report", "error", err)
		} else {
			fmt.Printf("   Report: %s\n", reportPath)
		}
	}

	switch {
	case runErr == nil:
		fmt.Printf("%s Build complete\n", ui.RenderPass("✓"))
		return nil
	case report.Cancelled:
		fmt.Printf("%s Interrupted; run 'tokendb build --resume' to continue\n", ui.RenderWarn("⚠"))
	case report.Aborted:
		fmt.Printf("%s Upstream kept failing; committed work is kept, resume later\n", ui.RenderWarn("⚠"))
	}
	return runErr
}

var phaseHeaders = []string{"Phase", "Seeded", "Enriched", "Updated", "Unchanged", "Missing", "Skipped", "Failed", "Time"}

// phaseRows renders one table row per phase summary, in phaseHeaders order.
func phaseRows(phases []sync.PhaseSummary) [][]string {
	rows := make([][]string, 0, len(phases))
	for _, ph := range phases {
		rows = append(rows, []string{
			ph.Phase.String(),
			strconv.Itoa(ph.Seeded),
			strconv.Itoa(ph.Enriched),
			strconv.Itoa(ph.Updated),
			strconv.Itoa(ph.Unchanged),
			strconv.Itoa(ph.Missing),
			strconv.Itoa(ph.Skipped),
			strconv.Itoa(ph.Failed),
			ph.Duration.Round(time.Second).String(),
		})
	}
	return rows
}

func printReport(r *sync.Report) {
	fmt.Println()
	fmt.Println(ui.Table(phaseHeaders, phaseRows(r.Phases)))

	if n := len(r.Unresolved); n > 0 {
		fmt.Printf("   Unresolved symbols: %d\n", n)
	}
	if st := r.Stats; st != nil {
		fmt.Printf("   Records: %d (%d complete, %d without description, %d without image)\n",
			st.Total, st.Complete, st.MissingDescription, st.MissingImage)
		fmt.Printf("   Generation: %d\n", st.Generation)
	}
	fmt.Printf("   Run: %s\n", ui.RenderMuted(r.RunID))
}
