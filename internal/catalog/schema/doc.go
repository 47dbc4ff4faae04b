// Package schema defines the catalog record model and the physical layout of
// the tokens table.
//
// # Records
//
// A Record is keyed by ID, the CoinGecko coin identifier (stored as cgId).
// Symbol and Name come from the seed phase; Description and ImageRef are
// detail fields filled by enrichment or patches. A record is complete when
// both detail fields are non-empty. UpdatedAt is a unix timestamp in seconds
// that only moves forward and only on writes that change content.
//
// # Layout
//
// The persisted table is read by the mobile app as a bundled asset, so its
// column names and constraints are fixed:
//
//	CREATE TABLE tokens(
//	  cgId        TEXT    NOT NULL PRIMARY KEY,
//	  symbol      TEXT    NOT NULL,
//	  name        TEXT    NOT NULL,
//	  description TEXT    NOT NULL DEFAULT '',
//	  imageUrl    TEXT    NOT NULL DEFAULT '',
//	  updatedAt   INTEGER NOT NULL DEFAULT 0
//	);
//	CREATE INDEX idx_tokens_symbol ON tokens(symbol);
//	CREATE INDEX idx_tokens_name   ON tokens(name);
//
// Columns and Indexes describe this layout for the schema guard, which
// compares it with what PRAGMA table_info reports.
package schema
