package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
	"github.com/allcryptotokens/tokendb/internal/fetch"
	"github.com/allcryptotokens/tokendb/internal/logging"
	"github.com/allcryptotokens/tokendb/internal/textclean"
	"github.com/allcryptotokens/tokendb/internal/upstream"
	"github.com/google/uuid"
)

// Config controls a run.
type Config struct {
	// Mode selects between a fresh build (seeding first) and a resume.
	Mode db.Mode
	// SkipImages disables BulkEnriching and image writes in
	// DetailEnriching.
	SkipImages bool
	// MaxIdentifiers caps the identifiers handled per phase; zero means
	// no cap.
	MaxIdentifiers int
	// BulkBatchSize is the number of ids per Markets request (1..250).
	BulkBatchSize int
	// DescriptionLimit is the maximum description length in runes.
	DescriptionLimit int
	// MinDescriptionLength rejects shorter sanitized descriptions.
	MinDescriptionLength int
	// RejectGarbage drops descriptions that look like scraped page chrome.
	RejectGarbage bool
	// StrictResolve leaves symbols with several candidates unresolved
	// unless an override names one.
	StrictResolve bool
	// Overrides pins upper-case symbols to identifiers.
	Overrides map[string]string
	// Skip lists upper-case symbols to leave out.
	Skip map[string]bool

	// OnPhase, when set, receives each phase summary as it finishes.
	OnPhase func(PhaseSummary)

	Now    func() time.Time
	Logger *logging.Logger
}

// DefaultConfig returns the settings of a fresh full build.
func DefaultConfig() Config {
	return Config{
		Mode:             db.Fresh,
		BulkBatchSize:    200,
		DescriptionLimit: textclean.DefaultLimit,
		RejectGarbage:    true,
		Now:              time.Now,
	}
}

// Pipeline runs the phases against one store.
type Pipeline struct {
	db     *db.DB
	src    Sources
	cfg    Config
	logger *logging.Logger
}

// New creates a pipeline. Zero config values fall back to DefaultConfig.
func New(database *db.DB, src Sources, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.BulkBatchSize <= 0 || cfg.BulkBatchSize > upstream.MaxMarketsBatch {
		cfg.BulkBatchSize = def.BulkBatchSize
	}
	if cfg.DescriptionLimit <= 0 {
		cfg.DescriptionLimit = def.DescriptionLimit
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pipeline{db: database, src: src, cfg: cfg, logger: logger.Named("sync")}
}

// Run executes every phase in order. The returned report is always
// non-nil and covers the phases that ran. err is an *AbortError when
// retries were exhausted, the context error when ctx was cancelled, or a
// store error.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		Mode:      p.cfg.Mode.String(),
		StartedAt: p.cfg.Now(),
	}
	log := p.logger.With("run", report.RunID)
	log.Info("sync started", "mode", report.Mode, "store", p.db.Path())

	phases := []struct {
		phase Phase
		run   func(context.Context, *Report, *logging.Logger, *PhaseSummary) error
		skip  bool
	}{
		{Seeding, p.seed, p.cfg.Mode == db.Resume},
		{BulkEnriching, p.bulk, p.cfg.SkipImages || p.src.Bulk == nil},
		{DetailEnriching, p.detail, p.src.Detail == nil},
	}

	for _, ph := range phases {
		if ph.skip {
			log.Debug("phase skipped", "phase", ph.phase)
			continue
		}
		start := time.Now()
		sum := PhaseSummary{Phase: ph.phase}
		plog := log.With("phase", ph.phase.String())
		plog.Info("phase started")

		err := ph.run(ctx, report, plog, &sum)
		sum.Duration = time.Since(start)
		report.Phases = append(report.Phases, sum)
		if p.cfg.OnPhase != nil {
			p.cfg.OnPhase(sum)
		}
		plog.Info("phase finished",
			"seeded", sum.Seeded, "enriched", sum.Enriched, "updated", sum.Updated,
			"missing", sum.Missing, "skipped", sum.Skipped, "failed", sum.Failed,
			"duration", sum.Duration.Round(time.Millisecond))

		if err != nil {
			return p.finish(report, log, err)
		}
	}

	return p.finish(report, log, nil)
}

func (p *Pipeline) finish(report *Report, log *logging.Logger, err error) (*Report, error) {
	var ae *AbortError
	switch {
	case errors.As(err, &ae):
		report.Aborted = true
		log.Error("sync aborted", "phase", ae.Phase, "lastCommitted", ae.LastCommitted, "error", ae.Err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		report.Cancelled = true
		log.Warn("sync interrupted", "lastCommitted", report.LastCommitted)
	case err != nil:
		log.Error("sync failed", "error", err)
	}

	stats, serr := p.db.GetStatsContext(context.Background())
	if serr == nil {
		report.Stats = stats
	}
	if err == nil {
		log.Info("sync complete", "phase", Done)
	}
	return report, err
}

// stop decides what a fetch error means for the phase. It returns nil when
// the failure is per-unit and the phase should continue.
func (p *Pipeline) stop(ctx context.Context, phase Phase, b *db.Batch, report *Report, err error) error {
	switch {
	case ctx.Err() != nil:
		if ferr := p.flush(b, report); ferr != nil {
			return ferr
		}
		return ctx.Err()
	case errors.Is(err, fetch.ErrExhaustedRetries):
		if ferr := p.flush(b, report); ferr != nil {
			return ferr
		}
		return &AbortError{Phase: phase, LastCommitted: report.LastCommitted, Err: err}
	default:
		return nil
	}
}

func (p *Pipeline) flush(b *db.Batch, report *Report) error {
	err := b.Flush(context.Background())
	if last := b.LastCommitted(); last != "" {
		report.LastCommitted = last
	}
	if err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (p *Pipeline) seed(ctx context.Context, report *Report, log *logging.Logger, sum *PhaseSummary) error {
	if p.src.Universe == nil || p.src.Resolver == nil {
		return fmt.Errorf("seeding requires a universe and a resolver")
	}

	symbols, err := p.src.Universe.Symbols(ctx)
	if err != nil {
		return p.fatal(ctx, Seeding, report, fmt.Errorf("failed to list universe: %w", err))
	}

	var wanted []string
	for _, s := range symbols {
		if p.cfg.Skip[s] {
			sum.Skipped++
			continue
		}
		wanted = append(wanted, s)
	}
	slices.Sort(wanted)
	wanted = slices.Compact(wanted)
	if p.cfg.MaxIdentifiers > 0 && len(wanted) > p.cfg.MaxIdentifiers {
		wanted = wanted[:p.cfg.MaxIdentifiers]
	}
	log.Info("universe listed", "symbols", len(symbols), "selected", len(wanted))

	cands, err := p.src.Resolver.Resolve(ctx, wanted)
	if err != nil {
		return p.fatal(ctx, Seeding, report, fmt.Errorf("failed to resolve symbols: %w", err))
	}

	b := p.db.NewBatch()
	seen := make(map[string]string, len(wanted))
	for _, sym := range wanted {
		if ctx.Err() != nil {
			return p.stop(ctx, Seeding, b, report, ctx.Err())
		}

		c, reason := pick(sym, cands[sym], p.cfg.Overrides, p.cfg.StrictResolve)
		if reason != "" {
			report.Unresolved = append(report.Unresolved, Unresolved{Symbol: sym, Reason: reason})
			sum.Skipped++
			log.Debug("symbol unresolved", "symbol", sym, "reason", reason)
			continue
		}
		if prev, dup := seen[c.ID]; dup {
			report.Unresolved = append(report.Unresolved, Unresolved{
				Symbol: sym,
				Reason: fmt.Sprintf("identifier %s already taken by %s", c.ID, prev),
			})
			sum.Skipped++
			continue
		}
		seen[c.ID] = sym

		name := c.Name
		if name == "" {
			name = sym
		}
		out, err := b.UpsertSeed(ctx, c.ID, sym, name)
		if err != nil {
			_ = b.Rollback()
			return fmt.Errorf("failed to seed %s: %w", c.ID, err)
		}
		count(sum, out, true)
	}

	return p.flush(b, report)
}

func (p *Pipeline) bulk(ctx context.Context, report *Report, log *logging.Logger, sum *PhaseSummary) error {
	b := p.db.NewBatch()

	process := func(ids []string) error {
		parts, err := p.src.Bulk.Markets(ctx, ids)
		if err != nil {
			if serr := p.stop(ctx, BulkEnriching, b, report, err); serr != nil {
				return serr
			}
			sum.Failed += len(ids)
			log.Warn("bulk batch failed", "first", ids[0], "size", len(ids), "error", err)
			return nil
		}

		got := make(map[string]bool, len(parts))
		for _, part := range parts {
			if part.ImageRef == "" || got[part.ID] {
				continue
			}
			got[part.ID] = true
			out, err := b.UpsertDetails(ctx, part.ID, schema.Details{ImageRef: part.ImageRef}, p.cfg.Now().Unix(), schema.FillOnly)
			if err != nil {
				_ = b.Rollback()
				return fmt.Errorf("failed to write image for %s: %w", part.ID, err)
			}
			count(sum, out, false)
		}
		for _, id := range ids {
			if !got[id] {
				sum.Skipped++
			}
		}
		return nil
	}

	var pending []string
	for id, err := range p.db.ListIncomplete(ctx, schema.NeedImage, p.cfg.MaxIdentifiers) {
		if err != nil {
			if ctx.Err() != nil {
				return p.stop(ctx, BulkEnriching, b, report, err)
			}
			_ = b.Rollback()
			return fmt.Errorf("failed to list incomplete records: %w", err)
		}
		pending = append(pending, id)
		if len(pending) < p.cfg.BulkBatchSize {
			continue
		}
		if err := process(pending); err != nil {
			return err
		}
		pending = pending[:0]
		if ctx.Err() != nil {
			return p.stop(ctx, BulkEnriching, b, report, ctx.Err())
		}
	}
	if len(pending) > 0 {
		if err := process(pending); err != nil {
			return err
		}
	}

	return p.flush(b, report)
}

func (p *Pipeline) detail(ctx context.Context, report *Report, log *logging.Logger, sum *PhaseSummary) error {
	need := schema.NeedAny
	if p.cfg.SkipImages {
		need = schema.NeedDescription
	}

	b := p.db.NewBatch()
	for id, err := range p.db.ListIncomplete(ctx, need, p.cfg.MaxIdentifiers) {
		if err != nil {
			if ctx.Err() != nil {
				return p.stop(ctx, DetailEnriching, b, report, err)
			}
			_ = b.Rollback()
			return fmt.Errorf("failed to list incomplete records: %w", err)
		}
		if ctx.Err() != nil {
			return p.stop(ctx, DetailEnriching, b, report, ctx.Err())
		}

		d, err := p.src.Detail.Detail(ctx, id)
		if err != nil {
			if serr := p.stop(ctx, DetailEnriching, b, report, err); serr != nil {
				return serr
			}
			sum.Failed++
			log.Warn("detail failed", "id", id, "error", err)
			continue
		}

		details := schema.Details{Description: p.cleanDescription(d.Description)}
		if d.Description != "" && details.Description == "" {
			log.Debug("description rejected", "id", id)
		}
		if !p.cfg.SkipImages {
			details.ImageRef = d.ImageRef
		}
		if details.IsEmpty() {
			sum.Skipped++
			continue
		}

		out, err := b.UpsertDetails(ctx, id, details, p.cfg.Now().Unix(), schema.FillOnly)
		if err != nil {
			_ = b.Rollback()
			return fmt.Errorf("failed to write details for %s: %w", id, err)
		}
		count(sum, out, false)
	}

	return p.flush(b, report)
}

// cleanDescription sanitizes raw and returns "" when the result should not
// be stored.
func (p *Pipeline) cleanDescription(raw string) string {
	if raw == "" {
		return ""
	}
	s := textclean.Sanitize(raw, p.cfg.DescriptionLimit)
	if utf8.RuneCountInString(s) < p.cfg.MinDescriptionLength {
		return ""
	}
	if p.cfg.RejectGarbage && textclean.IsGarbage(s) {
		return ""
	}
	return s
}

// fatal handles an error that ends the phase before any unit was written.
func (p *Pipeline) fatal(ctx context.Context, phase Phase, report *Report, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, fetch.ErrExhaustedRetries) {
		return &AbortError{Phase: phase, LastCommitted: report.LastCommitted, Err: err}
	}
	return err
}

func count(sum *PhaseSummary, out db.Outcome, seeding bool) {
	switch out {
	case db.Inserted:
		sum.Seeded++
	case db.Updated:
		if seeding {
			sum.Updated++
		} else {
			sum.Enriched++
		}
	case db.Unchanged:
		sum.Unchanged++
	case db.Missing:
		sum.Missing++
	}
}
