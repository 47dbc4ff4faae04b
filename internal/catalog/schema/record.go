package schema

import (
	"fmt"
	"strings"
)

// Record is one catalog entry.
type Record struct {
	ID          string `json:"cgId" yaml:"cgId"`
	Symbol      string `json:"symbol" yaml:"symbol"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description,omitempty"`
	ImageRef    string `json:"imageUrl" yaml:"imageUrl,omitempty"`
	UpdatedAt   int64  `json:"updatedAt" yaml:"updatedAt"`
}

// Validate checks the fields a stored record must always carry.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("cgId is required")
	}
	if r.UpdatedAt < 0 {
		return fmt.Errorf("updatedAt must not be negative (got %d)", r.UpdatedAt)
	}
	return nil
}

// Complete reports whether both detail fields are filled.
func (r *Record) Complete() bool {
	return r.Needs() == 0
}

// Needs returns the detail fields still missing.
func (r *Record) Needs() Need {
	var n Need
	if r.Description == "" {
		n |= NeedDescription
	}
	if r.ImageRef == "" {
		n |= NeedImage
	}
	return n
}

// Details carries the detail fields of a write. Empty strings mean
// "not provided".
type Details struct {
	Description string
	ImageRef    string
}

// IsEmpty reports whether no field is provided.
func (d Details) IsEmpty() bool {
	return d.Description == "" && d.ImageRef == ""
}

// Need is a bitmask of missing detail fields.
type Need uint8

const (
	NeedDescription Need = 1 << iota
	NeedImage

	// NeedAny selects records missing either field.
	NeedAny = NeedDescription | NeedImage
)

func (n Need) String() string {
	switch n {
	case 0:
		return "none"
	case NeedDescription:
		return "description"
	case NeedImage:
		return "image"
	case NeedAny:
		return "any"
	default:
		return fmt.Sprintf("Need(%d)", uint8(n))
	}
}

// WorkUnit is one identifier with outstanding detail fields. It only lives
// for the duration of a pipeline phase.
type WorkUnit struct {
	ID   string
	Need Need
}

// WriteMode selects how detail writes treat fields that already hold a value.
type WriteMode int

const (
	// FillOnly writes a field only when it is currently empty.
	FillOnly WriteMode = iota
	// Overwrite replaces a field with any non-empty provided value.
	Overwrite
)

func (m WriteMode) String() string {
	switch m {
	case FillOnly:
		return "fill-only"
	case Overwrite:
		return "overwrite"
	default:
		return "unknown"
	}
}

// ParseWriteMode accepts "fill-only" (or "fill") and "overwrite".
func ParseWriteMode(s string) (WriteMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fill", "fill-only", "fill_only":
		return FillOnly, nil
	case "overwrite":
		return Overwrite, nil
	default:
		return FillOnly, fmt.Errorf("invalid write mode %q (want fill-only or overwrite)", s)
	}
}
