package sync

import (
	"cmp"
	"slices"

	"github.com/allcryptotokens/tokendb/internal/upstream"
)

// Unresolved is a universe symbol that was left out of the catalog.
type Unresolved struct {
	Symbol string `yaml:"symbol"`
	Reason string `yaml:"reason"`
}

const (
	reasonNoCandidate = "no candidate"
	reasonAmbiguous   = "ambiguous"
	reasonOverride    = "override not among candidates"
)

// pick chooses one identity for symbol. An override wins when it names one
// of the candidates; otherwise ranked candidates beat unranked ones, lower
// rank wins, and ties fall back to the lexicographically smallest id. In
// strict mode a symbol with several candidates and no override is left
// unresolved.
func pick(symbol string, cands []upstream.Candidate, overrides map[string]string, strict bool) (upstream.Candidate, string) {
	if len(cands) == 0 {
		return upstream.Candidate{}, reasonNoCandidate
	}

	if id, ok := overrides[symbol]; ok && id != "" {
		for _, c := range cands {
			if c.ID == id {
				return c, ""
			}
		}
		return upstream.Candidate{}, reasonOverride
	}

	if len(cands) == 1 {
		return cands[0], ""
	}
	if strict {
		return upstream.Candidate{}, reasonAmbiguous
	}

	return slices.MinFunc(cands, compareCandidates), ""
}

func compareCandidates(a, b upstream.Candidate) int {
	switch {
	case a.Rank > 0 && b.Rank == 0:
		return -1
	case a.Rank == 0 && b.Rank > 0:
		return 1
	}
	if c := cmp.Compare(a.Rank, b.Rank); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
