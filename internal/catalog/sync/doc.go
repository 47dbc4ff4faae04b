// Package sync builds and refreshes the token catalog from upstream sources.
//
// Overview
//
// A run is a linear sequence of phases, each idempotent and each computing
// its outstanding work from the store rather than from in-memory state:
//
//	Seeding          universe symbols → candidates → one identity per symbol
//	     ↓                                           → UpsertSeed
//	BulkEnriching    ids missing an image, in batches → Markets → fill-only
//	     ↓
//	DetailEnriching  ids still incomplete, one by one → Detail → sanitize
//	     ↓                                                     → fill-only
//	Done
//
// Seeding only runs for a fresh build. A resumed build starts at
// BulkEnriching and picks up exactly the records that are still incomplete,
// so interrupting a run and resuming it never redoes committed work.
//
// Usage
//
//	database, err := db.Open(ctx, "tokens.db", db.Options{Mode: db.Fresh})
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//
//	gecko := upstream.NewCoinGecko(fetcher, upstream.DefaultCoinGeckoURL)
//	p := sync.New(database, sync.Sources{
//	    Universe: upstream.NewCryptoCom(fetcher, upstream.DefaultCryptoComURL),
//	    Resolver: gecko,
//	    Bulk:     gecko,
//	    Detail:   gecko,
//	}, sync.DefaultConfig())
//
//	report, err := p.Run(ctx)
//
// Error Handling
//
// The pipeline is resilient to individual failures:
//
//   - Unresolvable symbols are reported and never stored
//   - A failed bulk batch or detail request is logged, counted and skipped
//   - Exhausted retries flush pending writes and abort with *AbortError
//   - Cancellation flushes pending writes and returns the context error
//
// Writes are batched (db.Batch); everything committed before an abort
// stands.
package sync
