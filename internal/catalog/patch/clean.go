package patch

import (
	"context"
	"fmt"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/logging"
	"github.com/allcryptotokens/tokendb/internal/textclean"
)

// CleanOptions controls CleanGarbage.
type CleanOptions struct {
	// IsGarbage decides which descriptions to clear. Nil means
	// textclean.IsGarbage.
	IsGarbage      func(string) bool
	BumpGeneration bool
	DryRun         bool
	Now            func() time.Time
	Logger         *logging.Logger
}

// CleanResult summarizes a garbage sweep.
type CleanResult struct {
	Scanned    int      `yaml:"scanned"`
	Cleared    int      `yaml:"cleared"`
	Generation int64    `yaml:"generation"`
	DryRun     bool     `yaml:"dry_run"`
	IDs        []string `yaml:"ids,omitempty"`
}

// CleanGarbage clears every stored description that looks like scraped page
// chrome, leaving the rest of each record intact. Cleared records become
// eligible for enrichment again.
func CleanGarbage(ctx context.Context, store *db.DB, opts CleanOptions) (*CleanResult, error) {
	isGarbage := opts.IsGarbage
	if isGarbage == nil {
		isGarbage = textclean.IsGarbage
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	res := &CleanResult{DryRun: opts.DryRun}

	for id, err := range store.ListDescribed(ctx) {
		if err != nil {
			return nil, fmt.Errorf("failed to list descriptions: %w", err)
		}
		r, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		res.Scanned++
		if isGarbage(r.Description) {
			res.IDs = append(res.IDs, id)
		}
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ts := now().Unix()
	for _, id := range res.IDs {
		out, err := tx.ClearDescription(ctx, id, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to clear %s: %w", id, err)
		}
		if out == db.Updated {
			res.Cleared++
		}
	}
	if opts.BumpGeneration && res.Cleared > 0 {
		if _, err := tx.BumpGeneration(ctx); err != nil {
			return nil, err
		}
	}
	if res.Generation, err = tx.Generation(ctx); err != nil {
		return nil, err
	}

	if opts.DryRun {
		return res, tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	opts.Logger.Info("garbage descriptions cleared", "scanned", res.Scanned, "cleared", res.Cleared, "generation", res.Generation)
	return res, nil
}
