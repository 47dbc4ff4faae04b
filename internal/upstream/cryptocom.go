package upstream

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultCryptoComURL is the public instrument listing.
const DefaultCryptoComURL = "https://api.crypto.com/exchange/v1/public/get-instruments"

// CryptoCom lists the base symbols tradable on Crypto.com spot markets.
type CryptoCom struct {
	get Getter
	url string
}

// NewCryptoCom returns a universe source reading from rawURL, or
// DefaultCryptoComURL when empty.
func NewCryptoCom(get Getter, rawURL string) *CryptoCom {
	if rawURL == "" {
		rawURL = DefaultCryptoComURL
	}
	return &CryptoCom{get: get, url: rawURL}
}

// Symbols returns the unique, sorted, upper-case base symbols of spot
// instruments. Derivatives are dropped.
func (c *CryptoCom) Symbols(ctx context.Context) ([]string, error) {
	body, err := c.get.FetchJSON(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch instruments: %w", err)
	}
	return ParseInstruments(body)
}

// ParseInstruments extracts spot base symbols from an instrument listing.
// Both the v1 shape (result.data[] with inst_type and base_ccy) and the
// ticker shape (result.data[].i = "BTC_USDT") are accepted.
func ParseInstruments(body []byte) ([]string, error) {
	data := gjson.GetBytes(body, "result.data")
	if !data.IsArray() {
		data = gjson.GetBytes(body, "result.instruments")
	}
	if !data.IsArray() {
		return nil, fmt.Errorf("%w: instrument list not found", ErrMalformedUpstream)
	}

	seen := make(map[string]bool)
	data.ForEach(func(_, it gjson.Result) bool {
		if base := spotBase(it); base != "" {
			seen[base] = true
		}
		return true
	})

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func spotBase(it gjson.Result) string {
	instType := strings.ToUpper(it.Get("inst_type").String())
	name := it.Get("symbol").String()
	if name == "" {
		name = it.Get("instrument_name").String()
	}
	if name == "" {
		name = it.Get("i").String()
	}

	isSpot := instType == "SPOT" || instType == "CCY_PAIR" ||
		(instType == "" && strings.Contains(name, "_"))
	if !isSpot {
		return ""
	}

	base := it.Get("base_ccy").String()
	if base == "" {
		base = it.Get("base_currency").String()
	}
	if base == "" {
		if i := strings.Index(name, "_"); i > 0 {
			base = name[:i]
		}
	}
	return strings.ToUpper(strings.TrimSpace(base))
}
