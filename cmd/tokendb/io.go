package main

import (
	"fmt"
	"os"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/catalog/migrate"
	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
	"github.com/allcryptotokens/tokendb/internal/ui"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:     "import FILE",
	GroupID: "maintenance",
	Short:   "Seed or enrich the catalog from a JSON or JSONL token list",
	Long: `Import records from a JSON array or a JSONL file.

Each record needs a "cgId" (or "id"); "symbol", "name", "description" and
"imageUrl" (or "image") are optional. Records are created when missing and
their detail fields merged fill-only unless --overwrite is given. The
database is created when it does not exist yet.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		records, err := migrate.ReadRecords(args[0])
		if err != nil {
			return err
		}

		database, err := openStore(ctx, db.Fresh, false)
		if err != nil {
			return err
		}
		defer database.Close()

		opts := migrate.ImportOptions{Mode: schema.FillOnly, DryRun: dryRun, Now: time.Now, Logger: logger}
		if overwrite {
			opts.Mode = schema.Overwrite
		}
		res, err := migrate.Import(ctx, database, records, opts)
		if err != nil {
			return err
		}

		fmt.Printf("%s Imported %s\n", ui.RenderPass("✓"), args[0])
		fmt.Printf("   Read: %d  Inserted: %d  Enriched: %d  Unchanged: %d  Invalid: %d\n",
			res.Read, res.Inserted, res.Enriched, res.Unchanged, res.Invalid)
		for _, e := range res.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("!"), e)
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export [FILE]",
	GroupID: "maintenance",
	Short:   "Export the catalog as JSONL",
	Long:    `Write every record as one JSON object per line, ordered by identifier, to FILE or stdout.`,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		database, err := openStore(ctx, db.Resume, false)
		if err != nil {
			return err
		}
		defer database.Close()

		if len(args) == 0 {
			_, err := migrate.Export(ctx, database, os.Stdout)
			return err
		}
		n, err := migrate.ExportFile(ctx, database, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d records to %s\n", ui.RenderPass("✓"), n, args[0])
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("overwrite", false, "replace non-empty detail fields")
	importCmd.Flags().Bool("dry-run", false, "validate without writing")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
}
