package patch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Audit is the YAML record written next to an applied patch.
type Audit struct {
	Source    string    `yaml:"source"`
	AppliedAt time.Time `yaml:"applied_at"`
	Mode      string    `yaml:"mode"`
	Error     string    `yaml:"error,omitempty"`
	Result    *Result   `yaml:"result,omitempty"`
}

// WriteAudit writes a to path.
func WriteAudit(path string, a Audit) error {
	data, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode audit: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write audit %s: %w", path, err)
	}
	return nil
}

// ReadAudit loads an audit written by WriteAudit.
func ReadAudit(path string) (*Audit, error) {
	// #nosec G304 - controlled path
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit: %w", err)
	}
	var a Audit
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode audit %s: %w", path, err)
	}
	return &a, nil
}
