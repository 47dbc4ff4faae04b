package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
)

// ErrRecordNotFound is returned by Get for an unknown identifier.
var ErrRecordNotFound = errors.New("record not found")

// listPageSize is the keyset page size used by the lazy listings.
const listPageSize = 500

// Outcome is the effect of a single-record write.
type Outcome int

const (
	// Unchanged means the record already held the written values.
	Unchanged Outcome = iota
	// Inserted means a new record was created.
	Inserted
	// Updated means at least one stored field changed.
	Updated
	// Missing means the identifier is not in the store; nothing was written.
	Missing
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// UpsertSeed inserts id with empty detail fields, or updates symbol and name
// of an existing record. Detail fields and updatedAt are never touched.
func (db *DB) UpsertSeed(ctx context.Context, id, symbol, name string) (Outcome, error) {
	return upsertSeed(ctx, db.conn, id, symbol, name)
}

// UpsertDetails writes the provided detail fields under mode. Empty fields in
// d are ignored, so a stored value is never cleared. updatedAt becomes
// max(updatedAt, ts) only when a field changed.
func (db *DB) UpsertDetails(ctx context.Context, id string, d schema.Details, ts int64, mode schema.WriteMode) (Outcome, error) {
	return upsertDetails(ctx, db.conn, id, d, ts, mode)
}

// ClearDescription empties the description of id. It is the only write that
// removes content and is reserved for purging scraped boilerplate.
func (db *DB) ClearDescription(ctx context.Context, id string, ts int64) (Outcome, error) {
	return clearDescription(ctx, db.conn, id, ts)
}

func upsertSeed(ctx context.Context, q querier, id, symbol, name string) (Outcome, error) {
	if strings.TrimSpace(id) == "" {
		return Unchanged, fmt.Errorf("invalid seed: cgId is required")
	}

	var curSymbol, curName string
	err := q.QueryRowContext(ctx,
		`SELECT symbol, name FROM tokens WHERE cgId = ?`, id).Scan(&curSymbol, &curName)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := q.ExecContext(ctx, `
		INSERT INTO tokens (cgId, symbol, name, description, imageUrl, updatedAt)
		VALUES (?, ?, ?, '', '', 0)
		`, id, symbol, name)
		if err != nil {
			return Unchanged, fmt.Errorf("failed to insert seed %s: %w", id, err)
		}
		return Inserted, nil
	case err != nil:
		return Unchanged, fmt.Errorf("failed to read record %s: %w", id, err)
	}

	if curSymbol == symbol && curName == name {
		return Unchanged, nil
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE tokens SET symbol = ?, name = ? WHERE cgId = ?`, symbol, name, id); err != nil {
		return Unchanged, fmt.Errorf("failed to update seed %s: %w", id, err)
	}
	return Updated, nil
}

func upsertDetails(ctx context.Context, q querier, id string, d schema.Details, ts int64, mode schema.WriteMode) (Outcome, error) {
	var curDesc, curImage string
	err := q.QueryRowContext(ctx,
		`SELECT description, imageUrl FROM tokens WHERE cgId = ?`, id).Scan(&curDesc, &curImage)
	if errors.Is(err, sql.ErrNoRows) {
		return Missing, nil
	}
	if err != nil {
		return Unchanged, fmt.Errorf("failed to read record %s: %w", id, err)
	}

	desc := mergeField(curDesc, d.Description, mode)
	image := mergeField(curImage, d.ImageRef, mode)
	if desc == curDesc && image == curImage {
		return Unchanged, nil
	}

	_, err = q.ExecContext(ctx, `
	UPDATE tokens
	SET description = ?, imageUrl = ?, updatedAt = MAX(updatedAt, ?)
	WHERE cgId = ?
	`, desc, image, ts, id)
	if err != nil {
		return Unchanged, fmt.Errorf("failed to update details of %s: %w", id, err)
	}
	return Updated, nil
}

func mergeField(current, provided string, mode schema.WriteMode) string {
	if provided == "" {
		return current
	}
	if mode == schema.Overwrite || current == "" {
		return provided
	}
	return current
}

func clearDescription(ctx context.Context, q querier, id string, ts int64) (Outcome, error) {
	res, err := q.ExecContext(ctx, `
	UPDATE tokens SET description = '', updatedAt = MAX(updatedAt, ?)
	WHERE cgId = ? AND description != ''
	`, ts, id)
	if err != nil {
		return Unchanged, fmt.Errorf("failed to clear description of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unchanged, fmt.Errorf("failed to clear description of %s: %w", id, err)
	}
	if n > 0 {
		return Updated, nil
	}
	ok, err := exists(ctx, q, id)
	if err != nil {
		return Unchanged, err
	}
	if !ok {
		return Missing, nil
	}
	return Unchanged, nil
}

func exists(ctx context.Context, q querier, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM tokens WHERE cgId = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", id, err)
	}
	return true, nil
}

// Exists reports whether id is in the store.
func (db *DB) Exists(ctx context.Context, id string) (bool, error) {
	return exists(ctx, db.conn, id)
}

// Get returns the record for id, or ErrRecordNotFound.
func (db *DB) Get(ctx context.Context, id string) (*schema.Record, error) {
	var r schema.Record
	err := db.conn.QueryRowContext(ctx, `
	SELECT cgId, symbol, name, description, imageUrl, updatedAt
	FROM tokens WHERE cgId = ?
	`, id).Scan(&r.ID, &r.Symbol, &r.Name, &r.Description, &r.ImageRef, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return &r, nil
}

func incompleteCondition(need schema.Need) string {
	switch need {
	case schema.NeedDescription:
		return "description = ''"
	case schema.NeedImage:
		return "imageUrl = ''"
	default:
		return "(description = '' OR imageUrl = '')"
	}
}

// ListIncomplete yields, in identifier order, the records missing the
// fields selected by need. At most limit identifiers are produced; zero
// means no limit.
//
// The sequence is lazy and keyset-paged: no connection is held between
// pages, and each iteration starts a fresh query, so ranging over it again
// reflects every write committed in the meantime.
func (db *DB) ListIncomplete(ctx context.Context, need schema.Need, limit int) iter.Seq2[string, error] {
	return db.listIDs(ctx, incompleteCondition(need), nil, limit)
}

// ListStale yields identifiers whose updatedAt is older than before
// (unix seconds).
func (db *DB) ListStale(ctx context.Context, before int64, limit int) iter.Seq2[string, error] {
	return db.listIDs(ctx, "updatedAt < ?", []any{before}, limit)
}

// ListDescribed yields identifiers that have a description.
func (db *DB) ListDescribed(ctx context.Context) iter.Seq2[string, error] {
	return db.listIDs(ctx, "description != ''", nil, 0)
}

func (db *DB) listIDs(ctx context.Context, where string, args []any, limit int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		last := ""
		emitted := 0
		for {
			page := listPageSize
			if limit > 0 && limit-emitted < page {
				page = limit - emitted
			}
			if page <= 0 {
				return
			}

			ids, err := db.idPage(ctx, where, args, last, page)
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range ids {
				if !yield(id, nil) {
					return
				}
				emitted++
			}
			if len(ids) < page {
				return
			}
			last = ids[len(ids)-1]
		}
	}
}

func (db *DB) idPage(ctx context.Context, where string, args []any, after string, n int) ([]string, error) {
	query := fmt.Sprintf(`SELECT cgId FROM tokens WHERE cgId > ? AND %s ORDER BY cgId LIMIT ?`, where)
	qargs := append([]any{after}, args...)
	qargs = append(qargs, n)

	rows, err := db.conn.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, n)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return ids, nil
}

// All yields every record in identifier order, keyset-paged like
// ListIncomplete.
func (db *DB) All(ctx context.Context) iter.Seq2[schema.Record, error] {
	return func(yield func(schema.Record, error) bool) {
		last := ""
		for {
			recs, err := db.recordPage(ctx, last, listPageSize)
			if err != nil {
				yield(schema.Record{}, err)
				return
			}
			for _, r := range recs {
				if !yield(r, nil) {
					return
				}
			}
			if len(recs) < listPageSize {
				return
			}
			last = recs[len(recs)-1].ID
		}
	}
}

func (db *DB) recordPage(ctx context.Context, after string, n int) ([]schema.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT cgId, symbol, name, description, imageUrl, updatedAt
	FROM tokens WHERE cgId > ? ORDER BY cgId LIMIT ?
	`, after, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var recs []schema.Record
	for rows.Next() {
		var r schema.Record
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Name, &r.Description, &r.ImageRef, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return recs, nil
}

// Stats summarizes catalog completeness.
type Stats struct {
	Total              int   `yaml:"total"`
	Complete           int   `yaml:"complete"`
	MissingDescription int   `yaml:"missing_description"`
	MissingImage       int   `yaml:"missing_image"`
	Generation         int64 `yaml:"generation"`
}

// GetStats returns completeness counts and the current generation.
func (db *DB) GetStats() (*Stats, error) {
	return db.GetStatsContext(context.Background())
}

// GetStatsContext returns completeness counts with context support.
func (db *DB) GetStatsContext(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN description != '' AND imageUrl != '' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN description = '' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN imageUrl = '' THEN 1 ELSE 0 END), 0)
	FROM tokens
	`).Scan(&s.Total, &s.Complete, &s.MissingDescription, &s.MissingImage)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}

	gen, err := generation(ctx, db.conn)
	if err != nil {
		return nil, err
	}
	s.Generation = gen
	return &s, nil
}

// GetRecordCount returns the number of records.
func (db *DB) GetRecordCount() (int, error) {
	return db.GetRecordCountContext(context.Background())
}

// GetRecordCountContext returns the number of records with context support.
func (db *DB) GetRecordCountContext(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}
