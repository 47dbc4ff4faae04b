package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/ui"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
)

// staleSample is how many stale identifiers status lists.
const staleSample = 10

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "catalog",
	Short:   "Show catalog status",
	Long: `Display the current state of the catalog database.

Shows:
  - Database location, size and modification time
  - Record counts and completeness
  - Generation counter
  - With --stale-before, records not refreshed since a point in time

Examples:
  tokendb status
  tokendb status --stale-before "2 weeks ago"
  tokendb status --stale-before 2025-01-31`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("stale-before", "", "list records not updated since this time (date or phrase)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	staleText, _ := cmd.Flags().GetString("stale-before")

	var staleBefore time.Time
	if staleText != "" {
		t, err := parseTimeExpr(staleText, time.Now())
		if err != nil {
			return err
		}
		staleBefore = t
	}

	info, err := os.Stat(cfg.Store.Path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Printf("\n%s Catalog not initialized\n", ui.RenderWarn("⚠"))
		fmt.Printf("   Run 'tokendb build' to create %s\n\n", cfg.Store.Path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check catalog: %w", err)
	}

	database, err := openStore(ctx, db.Resume, false)
	if err != nil {
		return err
	}
	defer database.Close()

	st, err := database.GetStatsContext(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\n%s Catalog Status\n\n", ui.RenderAccent("●"))
	fmt.Println(ui.Table([]string{"Field", "Value"}, [][]string{
		{"Location", cfg.Store.Path},
		{"Size", ui.FormatBytes(info.Size())},
		{"Modified", info.ModTime().Format("2006-01-02 15:04:05")},
		{"Records", fmt.Sprint(st.Total)},
		{"Complete", fmt.Sprint(st.Complete)},
		{"Missing description", fmt.Sprint(st.MissingDescription)},
		{"Missing image", fmt.Sprint(st.MissingImage)},
		{"Generation", fmt.Sprint(st.Generation)},
	}))
	if database.Rebuilt() {
		fmt.Printf("%s Table layout was repaired on open\n", ui.RenderWarn("⚠"))
	}

	if !staleBefore.IsZero() {
		var sample []string
		n := 0
		for id, err := range database.ListStale(ctx, staleBefore.Unix(), 0) {
			if err != nil {
				return err
			}
			if n < staleSample {
				sample = append(sample, id)
			}
			n++
		}
		fmt.Printf("\nStale before %s: %d\n", staleBefore.Format(time.RFC3339), n)
		if len(sample) > 0 {
			more := ""
			if n > len(sample) {
				more = fmt.Sprintf(" … (+%d)", n-len(sample))
			}
			fmt.Printf("   %s%s\n", ui.RenderMuted(strings.Join(sample, ", ")), more)
		}
	}
	fmt.Println()
	return nil
}

// parseTimeExpr accepts RFC 3339, a plain date, or an English phrase such
// as "2 weeks ago" or "last monday".
func parseTimeExpr(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid time %q: not a date or a recognized phrase", text)
	}
	return r.Time, nil
}
