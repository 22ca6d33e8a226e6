// Package definition loads, validates, stores and watches server
// definitions: a server id, its display name, listener settings and its
// ordered tools.
package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/entrhq/monkey/pkg/tool"
	"github.com/entrhq/monkey/pkg/types"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,63}$`)

// Server is the persisted form of one tool server.
type Server struct {
	ID          string            `json:"id" yaml:"id" toml:"id"`
	Name        string            `json:"name" yaml:"name" toml:"name"`
	Listen      string            `json:"listen,omitempty" yaml:"listen,omitempty" toml:"listen,omitempty"`
	Autostart   bool              `json:"autostart,omitempty" yaml:"autostart,omitempty" toml:"autostart,omitempty"`
	Concurrency int               `json:"concurrency,omitempty" yaml:"concurrency,omitempty" toml:"concurrency,omitempty"`
	Tools       []tool.Definition `json:"tools" yaml:"tools" toml:"tools"`
}

// Normalize fills the display name and canonicalizes tool languages. Tool
// timeouts are left alone so that defaults stay a registry concern.
func (s Server) Normalize() Server {
	if s.Name == "" {
		s.Name = s.ID
	}
	tools := make([]tool.Definition, len(s.Tools))
	for i, t := range s.Tools {
		if lang, err := tool.ParseLanguage(string(t.Language)); err == nil {
			t.Language = lang
		}
		t.Version = 0
		tools[i] = t
	}
	s.Tools = tools
	return s
}

// Validate reports every problem with the definition in one
// ValidationError.
func (s Server) Validate() error {
	var errs []error
	if !idPattern.MatchString(s.ID) {
		errs = append(errs, fmt.Errorf("server id %q must start with a letter or digit and contain only letters, digits, '_' or '-'", s.ID))
	}
	if s.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency must not be negative"))
	}
	seen := make(map[string]bool, len(s.Tools))
	for i, t := range s.Tools {
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tools[%d]: %w", i, err))
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("tools[%d]: duplicate tool name %q", i, t.Name))
		}
		seen[t.Name] = true
	}
	if len(errs) == 0 {
		return nil
	}
	return types.Wrap(types.KindValidation, errors.Join(errs...), fmt.Sprintf("server %s: %v", s.ID, errors.Join(errs...)))
}

// Tool returns the named tool.
func (s Server) Tool(name string) (tool.Definition, bool) {
	for _, t := range s.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return tool.Definition{}, false
}

// Format is a definition file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Extensions lists the file extensions recognized as definitions.
var Extensions = []string{".json", ".yaml", ".yml", ".toml"}

// FormatFromPath picks the format by file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported definition file %q (want .json, .yaml, .yml or .toml)", path)
}

// Parse decodes, normalizes and validates a definition.
func Parse(data []byte, format Format) (Server, error) {
	s, err := decode(data, format)
	if err != nil {
		return Server{}, err
	}
	return finish(s)
}

func decode(data []byte, format Format) (Server, error) {
	var s Server
	var err error
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&s)
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&s)
	case FormatTOML:
		var md toml.MetaData
		md, err = toml.Decode(string(data), &s)
		if err == nil {
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				err = fmt.Errorf("unknown keys: %v", undecoded)
			}
		}
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return Server{}, types.Wrap(types.KindValidation, err, fmt.Sprintf("failed to decode %s definition: %v", format, err))
	}
	return s, nil
}

func finish(s Server) (Server, error) {
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return Server{}, err
	}
	return s, nil
}

// Marshal encodes a definition.
func Marshal(s Server, format Format) ([]byte, error) {
	s = s.Normalize()
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(s); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// LoadFile reads one definition file. A definition without an id takes the
// file's base name.
func LoadFile(path string) (Server, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return Server{}, types.Wrap(types.KindValidation, err, "")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Server{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	s, err := decode(data, format)
	if err == nil {
		if s.ID == "" {
			s.ID = IDFromPath(path)
		}
		s, err = finish(s)
	}
	if err != nil {
		return Server{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// IDFromPath returns the server id a definition file name implies.
func IDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Slug turns a display name into a valid server or tool id.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case r == '_' || r == '-':
			b.WriteRune(r)
			dash = true
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-_")
	if len(s) > 64 {
		s = strings.TrimRight(s[:64], "-_")
	}
	if s == "" {
		return "server"
	}
	return s
}
