package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Overrides pins ambiguous symbols to a coin id and lists symbols to leave
// out of the catalog.
//
//	skip = ["TEST", "LUNC2"]
//
//	[symbols]
//	ETH = "ethereum"
//	UNI = "uniswap"
type Overrides struct {
	Symbols map[string]string `toml:"symbols"`
	Skip    []string          `toml:"skip"`
}

// LoadOverrides decodes the TOML file at path. An empty path yields empty
// overrides.
func LoadOverrides(path string) (*Overrides, error) {
	o := &Overrides{}
	if path == "" {
		return o, nil
	}
	md, err := toml.DecodeFile(path, o)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("overrides %s: unknown keys %v", path, undecoded)
	}
	return o.normalized(), nil
}

func (o *Overrides) normalized() *Overrides {
	out := &Overrides{Symbols: make(map[string]string, len(o.Symbols))}
	for sym, id := range o.Symbols {
		out.Symbols[strings.ToUpper(strings.TrimSpace(sym))] = strings.TrimSpace(id)
	}
	for _, s := range o.Skip {
		out.Skip = append(out.Skip, strings.ToUpper(strings.TrimSpace(s)))
	}
	return out
}

// SkipSet returns the skipped symbols as a set.
func (o *Overrides) SkipSet() map[string]bool {
	set := make(map[string]bool, len(o.Skip))
	for _, s := range o.Skip {
		set[s] = true
	}
	return set
}
