package patch

import (
	"context"
	"fmt"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
	"github.com/allcryptotokens/tokendb/internal/logging"
)

// Options controls Apply.
type Options struct {
	Mode schema.WriteMode

	// BumpGeneration advances the generation counter by one when at least
	// one entry changed the store.
	BumpGeneration bool

	// SetGeneration, when non-nil, sets the counter to this value instead.
	SetGeneration *int64

	// DryRun computes the result and rolls back.
	DryRun bool

	// Now supplies the write timestamp. Nil means time.Now.
	Now func() time.Time

	Logger *logging.Logger
}

// Entry results reported in Result.Outcomes.
const (
	ResultUpdated   = "updated"
	ResultUnchanged = "unchanged"
	ResultMissing   = "missing"
	ResultSkipped   = "skipped"
)

// EntryOutcome is the per-identifier result of a patch.
type EntryOutcome struct {
	ID     string `yaml:"id"`
	Result string `yaml:"result"`
}

// Result summarizes a patch application. Skipped includes the malformed
// items counted at parse time.
//
// An existing record that the patch would leave exactly as it is counts as
// Unchanged, not Updated, so re-applying a patch reports zero updates. The
// entries of a batch therefore split as
// Updated + Unchanged + MissingInStore + Skipped.
type Result struct {
	Updated        int   `yaml:"updated"`
	MissingInStore int   `yaml:"missing_in_store"`
	Skipped        int   `yaml:"skipped"`
	Unchanged      int   `yaml:"unchanged"`
	Malformed      int   `yaml:"malformed"`
	Generation     int64 `yaml:"generation"`
	GenerationSet  bool  `yaml:"generation_changed"`
	DryRun         bool  `yaml:"dry_run"`

	Outcomes []EntryOutcome `yaml:"outcomes,omitempty"`
}

// Apply merges b into store inside one transaction. Any store error rolls
// the whole batch back.
func Apply(ctx context.Context, store *db.DB, b *Batch, opts Options) (*Result, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ts := now().Unix()

	res := &Result{
		Skipped:   b.Malformed,
		Malformed: b.Malformed,
		DryRun:    opts.DryRun,
		Outcomes:  make([]EntryOutcome, 0, len(b.Entries)),
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, e := range b.Entries {
		result, err := applyEntry(ctx, tx, e, ts, opts.Mode)
		if err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", e.ID, err)
		}
		switch result {
		case ResultUpdated:
			res.Updated++
		case ResultUnchanged:
			res.Unchanged++
		case ResultMissing:
			res.MissingInStore++
		case ResultSkipped:
			res.Skipped++
		}
		res.Outcomes = append(res.Outcomes, EntryOutcome{ID: e.ID, Result: result})
	}

	switch {
	case opts.SetGeneration != nil:
		if err := tx.SetGeneration(ctx, *opts.SetGeneration); err != nil {
			return nil, err
		}
		res.GenerationSet = true
	case opts.BumpGeneration && res.Updated > 0:
		if _, err := tx.BumpGeneration(ctx); err != nil {
			return nil, err
		}
		res.GenerationSet = true
	}

	gen, err := tx.Generation(ctx)
	if err != nil {
		return nil, err
	}
	res.Generation = gen

	if opts.DryRun {
		if err := tx.Rollback(); err != nil {
			return nil, err
		}
		opts.Logger.Info("patch dry run", "updated", res.Updated, "missing", res.MissingInStore, "skipped", res.Skipped)
		return res, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	opts.Logger.Info("patch applied",
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"missing", res.MissingInStore,
		"skipped", res.Skipped,
		"generation", res.Generation)
	return res, nil
}

func applyEntry(ctx context.Context, tx *db.Tx, e Entry, ts int64, mode schema.WriteMode) (string, error) {
	if e.Details.IsEmpty() {
		ok, err := tx.Exists(ctx, e.ID)
		if err != nil {
			return "", err
		}
		if !ok {
			return ResultMissing, nil
		}
		return ResultSkipped, nil
	}

	out, err := tx.UpsertDetails(ctx, e.ID, e.Details, ts, mode)
	if err != nil {
		return "", err
	}
	switch out {
	case db.Missing:
		return ResultMissing, nil
	case db.Updated:
		return ResultUpdated, nil
	default:
		return ResultUnchanged, nil
	}
}
