package tool

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Language selects the engine that runs a tool's source.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
)

// ParseLanguage accepts the canonical names and the short aliases "py" and "js".
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "py", "python3":
		return LanguagePython, nil
	case "javascript", "js", "node":
		return LanguageJavaScript, nil
	}
	return "", fmt.Errorf("unsupported language %q (want python or javascript)", s)
}

const (
	// DefaultTimeoutMs bounds a tool that does not declare its own timeout.
	DefaultTimeoutMs = 30000

	// MaxTimeoutMs is the largest timeout a definition may declare.
	MaxTimeoutMs = 10 * 60 * 1000
)

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]{0,63}$`)

// Definition describes one callable tool. Registered definitions are
// immutable: replacing a tool registers a new Definition with a higher
// Version.
type Definition struct {
	Name         string       `json:"name" yaml:"name" toml:"name"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Language     Language     `json:"language" yaml:"language" toml:"language"`
	Source       string       `json:"source" yaml:"source" toml:"source"`
	StartURL     string       `json:"startUrl,omitempty" yaml:"startUrl,omitempty" toml:"startUrl,omitempty"`
	InputSchema  []Parameter  `json:"inputSchema" yaml:"inputSchema" toml:"inputSchema"`
	OutputSchema OutputSchema `json:"outputSchema" yaml:"outputSchema" toml:"outputSchema"`
	TimeoutMs    int          `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty" toml:"timeoutMs,omitempty"`

	// Version is assigned by the Registry and never read from definition files.
	Version int `json:"version,omitempty" yaml:"-" toml:"-"`
}

// Timeout returns the execution bound as a duration.
func (d Definition) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Normalize fills defaults: canonical language name, default timeout,
// empty schemas.
func (d Definition) Normalize(defaultTimeoutMs int) Definition {
	if lang, err := ParseLanguage(string(d.Language)); err == nil {
		d.Language = lang
	}
	if d.TimeoutMs == 0 {
		if defaultTimeoutMs <= 0 {
			defaultTimeoutMs = DefaultTimeoutMs
		}
		d.TimeoutMs = defaultTimeoutMs
	}
	if d.InputSchema == nil {
		d.InputSchema = []Parameter{}
	}
	if d.OutputSchema.Type == "" {
		d.OutputSchema.Type = TypeAny
	}
	return d
}

// Validate reports every problem with the definition in one error.
func (d Definition) Validate() error {
	var errs []error

	if !namePattern.MatchString(d.Name) {
		errs = append(errs, fmt.Errorf("tool name %q must start with a letter and contain only letters, digits, '_' or '-'", d.Name))
	}
	if _, err := ParseLanguage(string(d.Language)); err != nil {
		errs = append(errs, fmt.Errorf("tool %s: %w", d.Name, err))
	}
	if strings.TrimSpace(d.Source) == "" {
		errs = append(errs, fmt.Errorf("tool %s: source cannot be empty", d.Name))
	}
	if d.TimeoutMs < 0 || d.TimeoutMs > MaxTimeoutMs {
		errs = append(errs, fmt.Errorf("tool %s: timeoutMs must be between 1 and %d", d.Name, MaxTimeoutMs))
	}

	seen := make(map[string]bool, len(d.InputSchema))
	for i, p := range d.InputSchema {
		if err := p.validate(); err != nil {
			errs = append(errs, fmt.Errorf("tool %s: parameter %d: %w", d.Name, i, err))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("tool %s: duplicate parameter %q", d.Name, p.Name))
		}
		seen[p.Name] = true
	}

	if t := d.OutputSchema.Type; t != "" && !t.validOutput() {
		errs = append(errs, fmt.Errorf("tool %s: unsupported output type %q", d.Name, t))
	}

	return errors.Join(errs...)
}

// Equal compares two definitions ignoring the registry-assigned version.
func (d Definition) Equal(o Definition) bool {
	if d.Name != o.Name || d.Description != o.Description || d.Language != o.Language ||
		d.Source != o.Source || d.StartURL != o.StartURL || d.TimeoutMs != o.TimeoutMs ||
		d.OutputSchema != o.OutputSchema || len(d.InputSchema) != len(o.InputSchema) {
		return false
	}
	for i := range d.InputSchema {
		if !d.InputSchema[i].equal(o.InputSchema[i]) {
			return false
		}
	}
	return true
}
