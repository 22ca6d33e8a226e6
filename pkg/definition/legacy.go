package definition

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/entrhq/monkey/pkg/tool"
	"github.com/entrhq/monkey/pkg/types"
)

// Cell types of the notebook-style legacy tool format.
const (
	CellLoadPage          = "Load Page"
	CellExecutePython     = "Execute Python"
	CellExecuteJavaScript = "Execute JavaScript"
	CellReturnData        = "Return Data"
	CellPythonREPL        = "Python REPL"
)

// LegacyServer is a servers/<name>/config.json file written by the desktop
// tool builder.
type LegacyServer struct {
	Name  string       `json:"name"`
	Tools []LegacyTool `json:"tools"`
}

// LegacyTool is a named sequence of cells with string arguments.
type LegacyTool struct {
	Name  string       `json:"name"`
	Args  []string     `json:"args"`
	Cells []LegacyCell `json:"cells"`
}

type LegacyCell struct {
	Type  string `json:"type"`
	Order int    `json:"order"`
	Code  string `json:"code"`
}

var driverUse = regexp.MustCompile(`\bdriver\s*\.`)

// ImportLegacyFile reads a legacy config.json, or the config.json inside a
// legacy server directory.
func ImportLegacyFile(path string) (Server, []string, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.json")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Server{}, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ImportLegacy(data)
}

// ImportLegacy converts a legacy server into a definition. Every legacy
// tool becomes one Python tool that replays its cells in order; every
// argument becomes a required string parameter. Cells after the first
// Return Data cell never ran and are dropped. Python REPL cells cannot be
// converted.
//
// The returned warnings name cells that use the legacy Selenium driver
// object, which converted tools do not have.
func ImportLegacy(data []byte) (Server, []string, error) {
	var legacy LegacyServer
	if err := json.Unmarshal(data, &legacy); err != nil {
		return Server{}, nil, types.Wrap(types.KindValidation, err, fmt.Sprintf("invalid legacy config: %v", err))
	}
	if strings.TrimSpace(legacy.Name) == "" {
		return Server{}, nil, types.Errorf(types.KindValidation, "legacy config has no server name")
	}

	srv := Server{ID: Slug(legacy.Name), Name: legacy.Name}
	var warnings []string
	var errs []error
	for _, lt := range legacy.Tools {
		def, warns, err := convertLegacyTool(lt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		warnings = append(warnings, warns...)
		srv.Tools = append(srv.Tools, def)
	}
	if len(errs) > 0 {
		joined := errors.Join(errs...)
		return Server{}, warnings, types.Wrap(types.KindValidation, joined, joined.Error())
	}

	srv, err := finish(srv)
	if err != nil {
		return Server{}, warnings, err
	}
	return srv, warnings, nil
}

func convertLegacyTool(lt LegacyTool) (tool.Definition, []string, error) {
	name := toolName(lt.Name)
	def := tool.Definition{
		Name:         name,
		Description:  fmt.Sprintf("Automated tool for %s", lt.Name),
		Language:     tool.LanguagePython,
		InputSchema:  []tool.Parameter{},
		OutputSchema: tool.OutputSchema{Type: tool.TypeAny},
	}
	for _, arg := range lt.Args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		def.InputSchema = append(def.InputSchema, tool.Parameter{
			Name:        arg,
			Type:        tool.TypeString,
			Required:    true,
			Description: fmt.Sprintf("Parameter %s", arg),
		})
	}

	cells := append([]LegacyCell(nil), lt.Cells...)
	sort.SliceStable(cells, func(i, j int) bool { return cells[i].Order < cells[j].Order })

	var warnings []string
	var src strings.Builder
	fmt.Fprintf(&src, "# Converted from legacy tool %s.\n", quote(lt.Name))
	src.WriteString(legacyPrelude)

	for i, c := range cells {
		label := fmt.Sprintf("%s cell %d", lt.Name, i+1)
		switch c.Type {
		case CellLoadPage:
			fmt.Fprintf(&src, "navigate(%s)\n", quote(strings.TrimSpace(c.Code)))
		case CellExecuteJavaScript:
			fmt.Fprintf(&src, "evaluate_script(%s)\n", quote("() => {\n"+c.Code+"\n}"))
		case CellExecutePython, CellReturnData:
			if driverUse.MatchString(c.Code) {
				warnings = append(warnings, fmt.Sprintf("%s uses the Selenium driver, which converted tools do not provide", label))
			}
			if c.Type == CellReturnData {
				fmt.Fprintf(&src, "result = _cell(%s, %s)\n", quote(c.Code), quote(label))
				def.Source = src.String()
				return def, warnings, nil
			}
			fmt.Fprintf(&src, "_cell(%s, %s)\n", quote(c.Code), quote(label))
		case CellPythonREPL:
			return tool.Definition{}, nil, fmt.Errorf("tool %s: Python REPL cells cannot be converted; remove or change them first", lt.Name)
		default:
			return tool.Definition{}, nil, fmt.Errorf("tool %s: unknown cell type %q", lt.Name, c.Type)
		}
	}
	def.Source = src.String()
	return def, warnings, nil
}

// Each legacy Python cell ran in its own namespace with args in scope and
// reported the value of its result variable.
const legacyPrelude = `
def _cell(code, name):
    scope = {
        "args": args,
        "navigate": navigate,
        "evaluate_script": evaluate_script,
        "wait_for": wait_for,
        "screenshot": screenshot,
        "page_text": page_text,
    }
    exec(compile(code, name, "exec"), scope)
    return scope.get("result")

`

// quote renders s as a Python string literal. JSON string syntax is a
// subset of Python's.
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func toolName(name string) string {
	slug := Slug(name)
	if slug == "server" && strings.TrimSpace(name) == "" {
		return "tool"
	}
	if c := slug[0]; !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		slug = "tool-" + slug
		if len(slug) > 64 {
			slug = slug[:64]
		}
	}
	return slug
}
