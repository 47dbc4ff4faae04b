package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
)

// Tx is a write transaction on the store.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a write transaction. The transaction is detached from ctx
// cancellation so an interrupted run can still commit what it has; ctx only
// bounds starting it.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := db.conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. It is safe to call after Commit.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func (t *Tx) UpsertSeed(ctx context.Context, id, symbol, name string) (Outcome, error) {
	return upsertSeed(context.WithoutCancel(ctx), t.tx, id, symbol, name)
}

func (t *Tx) UpsertDetails(ctx context.Context, id string, d schema.Details, ts int64, mode schema.WriteMode) (Outcome, error) {
	return upsertDetails(context.WithoutCancel(ctx), t.tx, id, d, ts, mode)
}

func (t *Tx) ClearDescription(ctx context.Context, id string, ts int64) (Outcome, error) {
	return clearDescription(context.WithoutCancel(ctx), t.tx, id, ts)
}

func (t *Tx) Exists(ctx context.Context, id string) (bool, error) {
	return exists(context.WithoutCancel(ctx), t.tx, id)
}

func (t *Tx) Generation(ctx context.Context) (int64, error) {
	return generation(context.WithoutCancel(ctx), t.tx)
}

// BumpGeneration increments the generation counter and returns the new
// value.
func (t *Tx) BumpGeneration(ctx context.Context) (int64, error) {
	ctx = context.WithoutCancel(ctx)
	cur, err := generation(ctx, t.tx)
	if err != nil {
		return 0, err
	}
	if err := setGeneration(ctx, t.tx, cur+1); err != nil {
		return 0, err
	}
	return cur + 1, nil
}

func (t *Tx) SetGeneration(ctx context.Context, v int64) error {
	return setGeneration(context.WithoutCancel(ctx), t.tx, v)
}

// Generation returns the store-wide generation counter (PRAGMA user_version).
func (db *DB) Generation(ctx context.Context) (int64, error) {
	return generation(ctx, db.conn)
}

// SetGeneration overwrites the generation counter.
func (db *DB) SetGeneration(ctx context.Context, v int64) error {
	return setGeneration(ctx, db.conn, v)
}

func generation(ctx context.Context, q querier) (int64, error) {
	var v int64
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read generation: %w", err)
	}
	return v, nil
}

func setGeneration(ctx context.Context, q querier, v int64) error {
	if v < 0 || v > 1<<31-1 {
		return fmt.Errorf("generation %d out of range", v)
	}
	// PRAGMA does not take bound parameters.
	if _, err := q.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("failed to set generation: %w", err)
	}
	return nil
}
