package upstream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// DefaultCoinGeckoURL is the public API root.
const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// MaxMarketsBatch is the most ids /coins/markets returns in one page.
const MaxMarketsBatch = 250

// CoinGecko resolves symbols to coin ids and serves bulk and single-coin
// details.
type CoinGecko struct {
	get  Getter
	base string

	// RankAmbiguous fetches market-cap ranks for symbols with more than one
	// candidate so the pipeline can prefer the largest coin.
	RankAmbiguous bool

	once  sync.Once
	index map[string][]Candidate
	err   error
}

// NewCoinGecko returns a client rooted at baseURL, or DefaultCoinGeckoURL
// when empty.
func NewCoinGecko(get Getter, baseURL string) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	return &CoinGecko{get: get, base: strings.TrimRight(baseURL, "/")}
}

// loadIndex fetches /coins/list once and groups it by upper-case symbol.
func (g *CoinGecko) loadIndex(ctx context.Context) error {
	g.once.Do(func() {
		body, err := g.get.FetchJSON(ctx, g.base+"/coins/list", url.Values{"include_platform": {"false"}})
		if err != nil {
			g.err = fmt.Errorf("failed to fetch coin list: %w", err)
			return
		}
		g.index, g.err = ParseCoinList(body)
	})
	return g.err
}

// ParseCoinList groups a /coins/list response by upper-case symbol.
func ParseCoinList(body []byte) (map[string][]Candidate, error) {
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: coin list is not an array", ErrMalformedUpstream)
	}
	index := make(map[string][]Candidate)
	root.ForEach(func(_, c gjson.Result) bool {
		id := c.Get("id").String()
		sym := c.Get("symbol").String()
		if id == "" || sym == "" {
			return true
		}
		name := c.Get("name").String()
		if name == "" {
			name = sym
		}
		key := strings.ToUpper(sym)
		index[key] = append(index[key], Candidate{ID: id, Symbol: sym, Name: name})
		return true
	})
	return index, nil
}

// Resolve returns the candidates for each symbol. Symbols with no candidate
// are absent from the result.
func (g *CoinGecko) Resolve(ctx context.Context, symbols []string) (map[string][]Candidate, error) {
	if err := g.loadIndex(ctx); err != nil {
		return nil, err
	}

	out := make(map[string][]Candidate, len(symbols))
	var ambiguous []string
	for _, s := range symbols {
		key := strings.ToUpper(s)
		cands := g.index[key]
		if len(cands) == 0 {
			continue
		}
		out[key] = append([]Candidate(nil), cands...)
		if len(cands) > 1 {
			for _, c := range cands {
				ambiguous = append(ambiguous, c.ID)
			}
		}
	}

	if g.RankAmbiguous && len(ambiguous) > 0 {
		ranks := make(map[string]int, len(ambiguous))
		for start := 0; start < len(ambiguous); start += MaxMarketsBatch {
			end := min(start+MaxMarketsBatch, len(ambiguous))
			parts, err := g.Markets(ctx, ambiguous[start:end])
			if err != nil {
				return nil, fmt.Errorf("failed to rank candidates: %w", err)
			}
			for _, p := range parts {
				ranks[p.ID] = p.Rank
			}
		}
		for key, cands := range out {
			for i := range cands {
				cands[i].Rank = ranks[cands[i].ID]
			}
			out[key] = cands
		}
	}

	return out, nil
}

// Markets fetches image and rank for up to MaxMarketsBatch ids.
func (g *CoinGecko) Markets(ctx context.Context, ids []string) ([]Partial, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxMarketsBatch {
		return nil, fmt.Errorf("markets batch of %d exceeds %d", len(ids), MaxMarketsBatch)
	}
	params := url.Values{
		"vs_currency": {"usd"},
		"order":       {"market_cap_desc"},
		"per_page":    {strconv.Itoa(MaxMarketsBatch)},
		"page":        {"1"},
		"sparkline":   {"false"},
		"ids":         {strings.Join(ids, ",")},
	}
	body, err := g.get.FetchJSON(ctx, g.base+"/coins/markets", params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch markets: %w", err)
	}
	return ParseMarkets(body)
}

// ParseMarkets reads a /coins/markets response.
func ParseMarkets(body []byte) ([]Partial, error) {
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: markets response is not an array", ErrMalformedUpstream)
	}
	var out []Partial
	root.ForEach(func(_, it gjson.Result) bool {
		id := it.Get("id").String()
		if id == "" {
			return true
		}
		out = append(out, Partial{
			ID:       id,
			ImageRef: strings.TrimSpace(it.Get("image").String()),
			Rank:     int(it.Get("market_cap_rank").Int()),
		})
		return true
	})
	return out, nil
}

// Detail fetches /coins/{id} without market, ticker or community data.
func (g *CoinGecko) Detail(ctx context.Context, id string) (Detail, error) {
	params := url.Values{
		"localization":   {"false"},
		"tickers":        {"false"},
		"market_data":    {"false"},
		"community_data": {"false"},
		"developer_data": {"false"},
		"sparkline":      {"false"},
	}
	body, err := g.get.FetchJSON(ctx, g.base+"/coins/"+url.PathEscape(id), params)
	if err != nil {
		return Detail{}, fmt.Errorf("failed to fetch detail for %s: %w", id, err)
	}
	d, err := ParseDetail(body)
	if err != nil {
		return Detail{}, fmt.Errorf("%s: %w", id, err)
	}
	if d.ID == "" {
		d.ID = id
	}
	return d, nil
}

// ParseDetail reads a /coins/{id} response. Description is returned raw.
func ParseDetail(body []byte) (Detail, error) {
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Detail{}, fmt.Errorf("%w: detail is not an object", ErrMalformedUpstream)
	}
	if !root.Get("id").Exists() && !root.Get("description").Exists() {
		return Detail{}, fmt.Errorf("%w: detail has neither id nor description", ErrMalformedUpstream)
	}

	d := Detail{
		ID:          root.Get("id").String(),
		Description: root.Get("description.en").String(),
	}
	for _, k := range []string{"image.large", "image.small", "image.thumb"} {
		if v := strings.TrimSpace(root.Get(k).String()); v != "" {
			d.ImageRef = v
			break
		}
	}
	root.Get("links.homepage").ForEach(func(_, v gjson.Result) bool {
		if s := strings.TrimSpace(v.String()); s != "" {
			d.Homepage = s
			return false
		}
		return true
	})
	return d, nil
}
