package db

import (
	"context"

	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
)

// Batch groups writes into transactions of at most the store's batch size.
// A transaction is opened lazily on the first write and committed when it
// fills up or on Flush. Batch is not safe for concurrent use.
type Batch struct {
	db        *DB
	tx        *Tx
	pending   int
	pendingID string

	committed     int
	lastCommitted string
}

// NewBatch returns an empty batch writer.
func (db *DB) NewBatch() *Batch {
	return &Batch{db: db}
}

func (b *Batch) begin(ctx context.Context) error {
	if b.tx != nil {
		return nil
	}
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return err
	}
	b.tx = tx
	return nil
}

func (b *Batch) done(ctx context.Context, id string) error {
	b.pending++
	b.pendingID = id
	if b.pending >= b.db.batchSize {
		return b.Flush(ctx)
	}
	return nil
}

// UpsertSeed is DB.UpsertSeed inside the current transaction.
func (b *Batch) UpsertSeed(ctx context.Context, id, symbol, name string) (Outcome, error) {
	if err := b.begin(ctx); err != nil {
		return Unchanged, err
	}
	out, err := b.tx.UpsertSeed(ctx, id, symbol, name)
	if err != nil {
		return out, err
	}
	return out, b.done(ctx, id)
}

// UpsertDetails is DB.UpsertDetails inside the current transaction.
func (b *Batch) UpsertDetails(ctx context.Context, id string, d schema.Details, ts int64, mode schema.WriteMode) (Outcome, error) {
	if err := b.begin(ctx); err != nil {
		return Unchanged, err
	}
	out, err := b.tx.UpsertDetails(ctx, id, d, ts, mode)
	if err != nil {
		return out, err
	}
	return out, b.done(ctx, id)
}

// ClearDescription is DB.ClearDescription inside the current transaction.
func (b *Batch) ClearDescription(ctx context.Context, id string, ts int64) (Outcome, error) {
	if err := b.begin(ctx); err != nil {
		return Unchanged, err
	}
	out, err := b.tx.ClearDescription(ctx, id, ts)
	if err != nil {
		return out, err
	}
	return out, b.done(ctx, id)
}

// Flush commits the open transaction, if any. It runs even when ctx is
// cancelled.
func (b *Batch) Flush(ctx context.Context) error {
	if b.tx == nil {
		return nil
	}
	tx := b.tx
	b.tx = nil
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		b.pending = 0
		return err
	}
	b.committed += b.pending
	if b.pendingID != "" {
		b.lastCommitted = b.pendingID
	}
	b.pending = 0
	return nil
}

// Rollback discards uncommitted writes.
func (b *Batch) Rollback() error {
	if b.tx == nil {
		return nil
	}
	tx := b.tx
	b.tx = nil
	b.pending = 0
	return tx.Rollback()
}

// Pending returns the number of uncommitted writes.
func (b *Batch) Pending() int { return b.pending }

// Committed returns the number of writes committed so far.
func (b *Batch) Committed() int { return b.committed }

// LastCommitted returns the identifier of the last committed write.
func (b *Batch) LastCommitted() string { return b.lastCommitted }
