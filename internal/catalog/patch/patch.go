// Package patch parses externally supplied detail patches and merges them
// into the record store in a single transaction.
//
// Accepted shapes:
//
//	[{"cgId": "bitcoin", "description": "...", "imageUrl": "..."}, ...]
//	{"items": [{"id": "bitcoin", "description": "..."}, ...]}
//	{"bitcoin": {"description": "...", "imageUrl": "..."}, ...}
//	{"bitcoin": "description text", ...}
//
// The identifier key may be cgId or id; the image key may be imageUrl,
// imageRef or image. Patches never create records and, unless overwrite mode
// is requested, only fill empty fields.
package patch

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
	"github.com/tidwall/gjson"
)

// ErrMalformedPatch is returned when a patch document is not one of the
// accepted shapes.
var ErrMalformedPatch = errors.New("malformed patch")

// Entry is one normalized patch item.
type Entry struct {
	ID      string
	Details schema.Details
}

// Batch is a parsed patch document.
type Batch struct {
	Entries []Entry

	// Malformed counts items that could not be turned into an Entry.
	Malformed int
}

var (
	idKeys    = []string{"cgId", "id"}
	imageKeys = []string{"imageUrl", "imageRef", "image"}
)

// Parse normalizes a patch document. A document that yields no entry at
// all, because it is empty or every item is malformed, is ErrMalformedPatch.
func Parse(data []byte) (*Batch, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrMalformedPatch)
	}
	root := gjson.ParseBytes(data)
	b := &Batch{}

	switch {
	case root.IsArray():
		b.addList(root)
	case root.IsObject():
		if items := root.Get("items"); items.Exists() {
			if !items.IsArray() {
				return nil, fmt.Errorf("%w: items must be a list", ErrMalformedPatch)
			}
			b.addList(items)
			break
		}
		root.ForEach(func(key, value gjson.Result) bool {
			b.addMapped(strings.TrimSpace(key.String()), value)
			return true
		})
	default:
		return nil, fmt.Errorf("%w: expected a list or an object", ErrMalformedPatch)
	}

	if len(b.Entries) == 0 {
		return nil, fmt.Errorf("%w: no usable entries (%d malformed)", ErrMalformedPatch, b.Malformed)
	}
	return b, nil
}

// ParseFile reads and parses the patch at path.
func ParseFile(path string) (*Batch, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read patch file: %w", err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

func (b *Batch) addList(list gjson.Result) {
	list.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			b.Malformed++
			return true
		}
		id, ok := firstString(item, idKeys)
		if !ok || id == "" {
			b.Malformed++
			return true
		}
		d, ok := details(item)
		if !ok {
			b.Malformed++
			return true
		}
		b.Entries = append(b.Entries, Entry{ID: id, Details: d})
		return true
	})
}

func (b *Batch) addMapped(id string, value gjson.Result) {
	if id == "" {
		b.Malformed++
		return
	}
	switch {
	case value.Type == gjson.String:
		b.Entries = append(b.Entries, Entry{ID: id, Details: schema.Details{Description: strings.TrimSpace(value.Str)}})
	case value.IsObject():
		d, ok := details(value)
		if !ok {
			b.Malformed++
			return
		}
		b.Entries = append(b.Entries, Entry{ID: id, Details: d})
	default:
		b.Malformed++
	}
}

// firstString returns the first key in keys that is present. ok is false
// when a present value is not a string or null.
func firstString(obj gjson.Result, keys []string) (string, bool) {
	for _, k := range keys {
		v := obj.Get(k)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if v.Type != gjson.String {
			return "", false
		}
		return strings.TrimSpace(v.Str), true
	}
	return "", true
}

func details(obj gjson.Result) (schema.Details, bool) {
	desc, ok := firstString(obj, []string{"description"})
	if !ok {
		return schema.Details{}, false
	}
	image, ok := firstString(obj, imageKeys)
	if !ok {
		return schema.Details{}, false
	}
	return schema.Details{Description: desc, ImageRef: image}, true
}
