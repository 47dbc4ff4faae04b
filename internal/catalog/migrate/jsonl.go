// Package migrate moves catalog records between the store and JSON files:
// seeding a store from a prepared token list, and exporting a store as
// JSONL for review or diffing.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
	"github.com/allcryptotokens/tokendb/internal/logging"
)

// importRecord is the on-disk record format. Both the store's column names
// and the upstream names (id, image) are accepted.
type importRecord struct {
	CgID        string `json:"cgId"`
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
	Image       string `json:"image"`
	UpdatedAt   int64  `json:"updatedAt"`
}

func (r importRecord) record() schema.Record {
	id := r.CgID
	if id == "" {
		id = r.ID
	}
	img := r.ImageURL
	if img == "" {
		img = r.Image
	}
	return schema.Record{
		ID:          strings.TrimSpace(id),
		Symbol:      strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Name:        strings.TrimSpace(r.Name),
		Description: strings.TrimSpace(r.Description),
		ImageRef:    strings.TrimSpace(img),
		UpdatedAt:   r.UpdatedAt,
	}
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	Mode   schema.WriteMode // How detail fields merge with stored ones
	DryRun bool             // Validate and count without writing
	Now    func() time.Time // Timestamp for records without updatedAt
	Logger *logging.Logger
}

// ImportResult contains statistics about the import
type ImportResult struct {
	Read      int
	Inserted  int
	Enriched  int
	Unchanged int
	Invalid   int
	Errors    []string
}

// ReadRecords reads a JSON array or a JSONL file of records. Lines that
// fail to decode are reported as errors; records without an identifier are
// returned and left for Import to reject.
func ReadRecords(path string) ([]schema.Record, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read records file: %w", err)
	}
	return DecodeRecords(data)
}

// DecodeRecords decodes a JSON array or JSONL stream.
func DecodeRecords(data []byte) ([]schema.Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var raw []importRecord
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		out := make([]schema.Record, 0, len(raw))
		for _, r := range raw {
			out = append(out, r.record())
		}
		return out, nil
	}

	var out []schema.Record
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r importRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		out = append(out, r.record())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}
	return out, nil
}

// Import writes records into store in batches. Every record is seeded
// (symbol and name), then its detail fields are merged under opts.Mode.
func Import(ctx context.Context, store *db.DB, records []schema.Record, opts ImportOptions) (*ImportResult, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	res := &ImportResult{}

	seen := make(map[string]bool, len(records))
	var valid []schema.Record
	for i, r := range records {
		res.Read++
		if err := r.Validate(); err != nil {
			res.Invalid++
			res.Errors = append(res.Errors, fmt.Sprintf("record %d: %v", i+1, err))
			continue
		}
		if seen[r.ID] {
			res.Invalid++
			res.Errors = append(res.Errors, fmt.Sprintf("record %d: duplicate cgId %s", i+1, r.ID))
			continue
		}
		seen[r.ID] = true
		valid = append(valid, r)
	}

	if opts.DryRun {
		return res, nil
	}

	b := store.NewBatch()
	for _, r := range valid {
		if err := ctx.Err(); err != nil {
			if ferr := b.Flush(ctx); ferr != nil {
				return res, ferr
			}
			return res, err
		}

		out, err := b.UpsertSeed(ctx, r.ID, r.Symbol, r.Name)
		if err != nil {
			_ = b.Rollback()
			return res, fmt.Errorf("failed to import %s: %w", r.ID, err)
		}
		inserted := out == db.Inserted

		d := schema.Details{Description: r.Description, ImageRef: r.ImageRef}
		enriched := false
		if !d.IsEmpty() {
			ts := r.UpdatedAt
			if ts == 0 {
				ts = now().Unix()
			}
			out, err := b.UpsertDetails(ctx, r.ID, d, ts, opts.Mode)
			if err != nil {
				_ = b.Rollback()
				return res, fmt.Errorf("failed to import details of %s: %w", r.ID, err)
			}
			enriched = out == db.Updated
		}

		switch {
		case inserted:
			res.Inserted++
		case enriched:
			res.Enriched++
		default:
			res.Unchanged++
		}
	}
	if err := b.Flush(ctx); err != nil {
		return res, err
	}

	opts.Logger.Info("records imported",
		"read", res.Read, "inserted", res.Inserted, "enriched", res.Enriched,
		"unchanged", res.Unchanged, "invalid", res.Invalid)
	return res, nil
}

// Export writes every record as one JSON object per line, in identifier
// order, and returns the number written.
func Export(ctx context.Context, store *db.DB, w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	n := 0
	for r, err := range store.All(ctx) {
		if err != nil {
			return n, fmt.Errorf("failed to read records: %w", err)
		}
		if err := enc.Encode(r); err != nil {
			return n, fmt.Errorf("failed to encode %s: %w", r.ID, err)
		}
		n++
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("failed to write export: %w", err)
	}
	return n, nil
}

// ExportFile writes the export to path through a temporary file, so a
// failed export never leaves a truncated file behind.
func ExportFile(ctx context.Context, store *db.DB, path string) (n int, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".export-*.jsonl")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err = Export(ctx, store, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close export: %w", cerr)
	}
	if err != nil {
		return n, err
	}
	if rerr := os.Rename(tmp.Name(), path); rerr != nil {
		err = fmt.Errorf("failed to move export into place: %w", rerr)
		return n, err
	}
	return n, nil
}
