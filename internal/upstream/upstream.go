// Package upstream adapts the Crypto.com instrument listing and the CoinGecko
// coin API to the catalog pipeline. All requests go through a Getter, which
// in production is the rate-limited fetch.Fetcher.
package upstream

import (
	"context"
	"errors"
	"net/url"
)

// ErrMalformedUpstream is returned when a response parses as JSON but lacks
// the expected shape.
var ErrMalformedUpstream = errors.New("malformed upstream data")

// Getter performs a GET and returns the JSON body.
type Getter interface {
	FetchJSON(ctx context.Context, rawURL string, params url.Values) ([]byte, error)
}

// Candidate is one possible canonical identity for a symbol.
type Candidate struct {
	ID     string
	Symbol string
	Name   string
	// Rank is the market-cap rank; 0 means unranked or unknown.
	Rank int
}

// Partial is a bulk detail item. Empty fields were not available.
type Partial struct {
	ID       string
	ImageRef string
	Rank     int
}

// Detail is a single-coin detail record with raw description text.
type Detail struct {
	ID          string
	Description string
	ImageRef    string
	Homepage    string
}
