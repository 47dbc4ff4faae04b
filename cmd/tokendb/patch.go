package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/catalog/patch"
	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
	"github.com/allcryptotokens/tokendb/internal/ui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var patchCmd = &cobra.Command{
	Use:     "patch FILE...",
	GroupID: "catalog",
	Short:   "Merge description/image patch files into the catalog",
	Long: `Merge one or more JSON patch files into an existing catalog.

Accepted shapes:
  [{"cgId": "bitcoin", "description": "...", "imageUrl": "..."}, ...]
  {"items": [...]}
  {"bitcoin": "description", "ethereum": {"description": "...", "image": "..."}}

By default only empty fields are filled (--overwrite replaces non-empty
values). Patches never create records and never clear fields. Each file is
applied in its own transaction.

Examples:
  tokendb patch fixes.json --bump-generation
  tokendb patch a.json b.json --dry-run
  tokendb patch fixes.json --overwrite --backup --audit audit.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPatch,
}

var cleanCmd = &cobra.Command{
	Use:     "clean",
	GroupID: "maintenance",
	Short:   "Clear scraped-garbage descriptions",
	Long: `Scan every stored description and clear the ones that look like scraped
page chrome (CSS, exchange promotions, glued navigation text). Cleared
records become incomplete again and are refilled by 'tokendb build --resume'.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	f := patchCmd.Flags()
	f.Bool("overwrite", false, "replace non-empty fields")
	f.Bool("bump-generation", false, "advance the generation when rows changed")
	f.Int64("set-generation", 0, "set the generation to this value")
	f.Bool("dry-run", false, "report the effect without writing")
	f.Bool("backup", false, "copy the database before writing")
	f.String("audit", "", "write a YAML audit of every file to this path")

	cf := cleanCmd.Flags()
	cf.Bool("backup", false, "copy the database before writing")
	cf.Bool("bump-generation", false, "advance the generation when rows changed")
	cf.Bool("dry-run", false, "report the effect without writing")

	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(cleanCmd)
}

func runPatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()
	overwrite, _ := flags.GetBool("overwrite")
	bump, _ := flags.GetBool("bump-generation")
	dryRun, _ := flags.GetBool("dry-run")
	backup, _ := flags.GetBool("backup")
	auditPath, _ := flags.GetString("audit")

	opts := patch.Options{
		Mode:           schema.FillOnly,
		BumpGeneration: bump,
		DryRun:         dryRun,
		Now:            time.Now,
		Logger:         logger,
	}
	if overwrite {
		opts.Mode = schema.Overwrite
	}
	if flags.Changed("set-generation") {
		gen, _ := flags.GetInt64("set-generation")
		opts.SetGeneration = &gen
	}

	database, err := openStore(ctx, db.Resume, false)
	if err != nil {
		return err
	}
	defer database.Close()

	if backup && !dryRun {
		if err := backupStore(cmd, database, "patch"); err != nil {
			return err
		}
	}

	var audits []patch.Audit
	var failed []string
	for _, file := range args {
		audit := patch.Audit{Source: file, AppliedAt: time.Now().UTC(), Mode: opts.Mode.String()}

		res, err := applyPatchFile(cmd, database, file, opts)
		if err != nil {
			failed = append(failed, file)
			audit.Error = err.Error()
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), file, err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		} else {
			audit.Result = res
			printPatchResult(file, res)
		}
		audits = append(audits, audit)
	}

	if auditPath != "" {
		if err := writeAudits(auditPath, audits); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d patch files failed", len(failed), len(args))
	}
	return nil
}

func applyPatchFile(cmd *cobra.Command, database *db.DB, file string, opts patch.Options) (*patch.Result, error) {
	b, err := patch.ParseFile(file)
	if err != nil {
		return nil, err
	}
	return patch.Apply(cmd.Context(), database, b, opts)
}

func printPatchResult(file string, res *patch.Result) {
	mark := ui.RenderPass("✓")
	if res.DryRun {
		mark = ui.RenderAccent("○")
	}
	fmt.Printf("%s %s\n", mark, file)
	fmt.Printf("   Updated: %d  Unchanged: %d  Missing: %d  Skipped: %d",
		res.Updated, res.Unchanged, res.MissingInStore, res.Skipped)
	if res.Malformed > 0 {
		fmt.Printf("  (%d malformed)", res.Malformed)
	}
	fmt.Println()
	gen := fmt.Sprintf("   Generation: %d", res.Generation)
	if res.GenerationSet {
		gen += " (changed)"
	}
	if res.DryRun {
		gen += ui.RenderMuted("  dry run, nothing written")
	}
	fmt.Println(gen)
}

func writeAudits(path string, audits []patch.Audit) error {
	data, err := yaml.Marshal(audits)
	if err != nil {
		return fmt.Errorf("failed to encode audit: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write audit %s: %w", path, err)
	}
	return nil
}

func backupStore(cmd *cobra.Command, database *db.DB, tag string) error {
	dest := database.BackupPath(tag, time.Now())
	if err := database.Backup(cmd.Context(), dest); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	fmt.Printf("%s Backup: %s\n", ui.RenderAccent("↳"), filepath.Base(dest))
	return nil
}

func runClean(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	backup, _ := cmd.Flags().GetBool("backup")
	bump, _ := cmd.Flags().GetBool("bump-generation")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	database, err := openStore(ctx, db.Resume, false)
	if err != nil {
		return err
	}
	defer database.Close()

	if backup && !dryRun {
		if err := backupStore(cmd, database, "clean"); err != nil {
			return err
		}
	}

	res, err := patch.CleanGarbage(ctx, database, patch.CleanOptions{
		BumpGeneration: bump,
		DryRun:         dryRun,
		Logger:         logger,
	})
	if err != nil {
		if errors.Is(err, db.ErrRecordNotFound) {
			return fmt.Errorf("catalog changed during the scan, retry: %w", err)
		}
		return err
	}

	verb := "Cleared"
	if dryRun {
		verb = "Would clear"
	}
	fmt.Printf("%s %s %d of %d descriptions\n", ui.RenderPass("✓"), verb, len(res.IDs), res.Scanned)
	for _, id := range res.IDs {
		fmt.Printf("   %s\n", ui.RenderMuted(id))
	}
	fmt.Printf("   Generation: %d\n", res.Generation)
	return nil
}
