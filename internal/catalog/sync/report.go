package sync

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"gopkg.in/yaml.v3"
)

// Phase is a pipeline state.
type Phase int

const (
	Seeding Phase = iota
	BulkEnriching
	DetailEnriching
	Done
)

func (p Phase) String() string {
	switch p {
	case Seeding:
		return "seeding"
	case BulkEnriching:
		return "bulk-enriching"
	case DetailEnriching:
		return "detail-enriching"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalYAML writes the phase name.
func (p Phase) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// PhaseSummary aggregates the per-unit outcomes of one phase.
type PhaseSummary struct {
	Phase Phase `yaml:"phase"`
	// Seeded counts new records; Enriched counts records that gained a field.
	Seeded    int           `yaml:"seeded,omitempty"`
	Enriched  int           `yaml:"enriched,omitempty"`
	Updated   int           `yaml:"updated,omitempty"`
	Unchanged int           `yaml:"unchanged,omitempty"`
	Missing   int           `yaml:"missing,omitempty"`
	Skipped   int           `yaml:"skipped,omitempty"`
	Failed    int           `yaml:"failed,omitempty"`
	Duration  time.Duration `yaml:"duration"`
}

// Report describes a whole run.
type Report struct {
	RunID         string         `yaml:"runId"`
	Mode          string         `yaml:"mode"`
	StartedAt     time.Time      `yaml:"startedAt"`
	Phases        []PhaseSummary `yaml:"phases"`
	Unresolved    []Unresolved   `yaml:"unresolved,omitempty"`
	LastCommitted string         `yaml:"lastCommitted,omitempty"`
	Aborted       bool           `yaml:"aborted,omitempty"`
	Cancelled     bool           `yaml:"cancelled,omitempty"`
	Stats         *db.Stats      `yaml:"stats,omitempty"`
}

// Phase returns the summary of p, or nil if the phase did not run.
func (r *Report) Phase(p Phase) *PhaseSummary {
	for i := range r.Phases {
		if r.Phases[i].Phase == p {
			return &r.Phases[i]
		}
	}
	return nil
}

// WriteYAML writes the report to path.
func (r *Report) WriteYAML(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}

// AbortError reports a run stopped by a failure that retrying could not
// fix. Writes committed before the failure are kept.
type AbortError struct {
	Phase         Phase
	LastCommitted string
	Err           error
}

func (e *AbortError) Error() string {
	if e.LastCommitted == "" {
		return fmt.Sprintf("sync aborted during %s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("sync aborted during %s (last committed %s): %v", e.Phase, e.LastCommitted, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// IsAbort reports whether err is an *AbortError.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}
