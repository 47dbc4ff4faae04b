package sync

import (
	"context"

	"github.com/allcryptotokens/tokendb/internal/upstream"
)

// Universe lists the base symbols the catalog should cover.
type Universe interface {
	// Symbols returns unique upper-case symbols.
	Symbols(ctx context.Context) ([]string, error)
}

// Resolver maps symbols to candidate identities.
type Resolver interface {
	// Resolve returns the candidates per upper-case symbol. Symbols with
	// no candidate are absent.
	Resolve(ctx context.Context, symbols []string) (map[string][]upstream.Candidate, error)
}

// BulkSource returns partial details for many identifiers at once.
type BulkSource interface {
	Markets(ctx context.Context, ids []string) ([]upstream.Partial, error)
}

// DetailSource returns the full detail record for one identifier.
type DetailSource interface {
	Detail(ctx context.Context, id string) (upstream.Detail, error)
}

// Sources bundles the upstream adapters a run needs. Universe and Resolver
// are only used when seeding; Bulk may be nil when images are skipped.
type Sources struct {
	Universe Universe
	Resolver Resolver
	Bulk     BulkSource
	Detail   DetailSource
}
