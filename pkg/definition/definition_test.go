package definition

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/monkey/pkg/tool"
	"github.com/entrhq/monkey/pkg/types"
)

const yamlDef = `id: shop
name: Shop scraper
listen: 127.0.0.1:9001
autostart: true
tools:
  - name: price
    description: Reads a price
    language: js
    source: return document.querySelector(args.selector).textContent;
    startUrl: https://shop.test
    inputSchema:
      - name: selector
        type: string
        required: true
    outputSchema:
      type: string
    timeoutMs: 5000
`

const tomlDef = `id = "shop"
name = "Shop scraper"

[[tools]]
name = "price"
language = "py"
source = "result = args['n'] * 2"

[[tools.inputSchema]]
name = "n"
type = "integer"
required = false
default = 3

[tools.outputSchema]
type = "integer"
`

const jsonDef = `{
  "id": "shop",
  "tools": [
    {"name": "echo", "language": "javascript", "source": "return args.input;",
     "inputSchema": [{"name": "input", "type": "string", "required": true}],
     "outputSchema": {"type": "string"}}
  ]
}`

func TestParseFormats(t *testing.T) {
	s, err := Parse([]byte(yamlDef), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "shop", s.ID)
	assert.Equal(t, "Shop scraper", s.Name)
	assert.Equal(t, "127.0.0.1:9001", s.Listen)
	assert.True(t, s.Autostart)
	require.Len(t, s.Tools, 1)
	assert.Equal(t, tool.LanguageJavaScript, s.Tools[0].Language)
	assert.Equal(t, "https://shop.test", s.Tools[0].StartURL)
	assert.Equal(t, 5000, s.Tools[0].TimeoutMs)

	s, err = Parse([]byte(tomlDef), FormatTOML)
	require.NoError(t, err)
	require.Len(t, s.Tools, 1)
	assert.Equal(t, tool.LanguagePython, s.Tools[0].Language)
	require.Len(t, s.Tools[0].InputSchema, 1)
	assert.EqualValues(t, 3, s.Tools[0].InputSchema[0].Default)

	s, err = Parse([]byte(jsonDef), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "shop", s.Name, "name defaults to id")
	_, ok := s.Tool("echo")
	assert.True(t, ok)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"id":"a","tools":[],"bogus":1}`), FormatJSON)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = Parse([]byte("id: a\nbogus: 1\n"), FormatYAML)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = Parse([]byte("id = \"a\"\nbogus = 1\n"), FormatTOML)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	s := Server{
		ID: "bad id",
		Tools: []tool.Definition{
			{Name: "a", Language: "javascript", Source: "1"},
			{Name: "a", Language: "javascript", Source: "1"},
			{Name: "b", Language: "cobol", Source: ""},
		},
	}
	err := s.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
	msg := err.Error()
	assert.Contains(t, msg, "server id")
	assert.Contains(t, msg, "duplicate tool name")
	assert.Contains(t, msg, "cobol")
	assert.Contains(t, msg, "source cannot be empty")
}

func TestMarshalRoundTripsThroughEveryFormat(t *testing.T) {
	orig, err := Parse([]byte(yamlDef), FormatYAML)
	require.NoError(t, err)
	for _, f := range []Format{FormatJSON, FormatYAML, FormatTOML} {
		data, err := Marshal(orig, f)
		require.NoError(t, err, f)
		back, err := Parse(data, f)
		require.NoError(t, err, "%s:\n%s", f, data)
		assert.Equal(t, orig.ID, back.ID, f)
		require.Len(t, back.Tools, 1, f)
		assert.True(t, orig.Tools[0].Equal(back.Tools[0]), f)
	}
}

func TestFormatFromPath(t *testing.T) {
	for path, want := range map[string]Format{
		"a.json": FormatJSON, "a.YAML": FormatYAML, "a.yml": FormatYAML, "a.toml": FormatTOML,
	} {
		got, err := FormatFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := FormatFromPath("a.txt")
	assert.Error(t, err)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "My-Server", Slug("  My Server!! "))
	assert.Equal(t, "a_b-c", Slug("a_b-c"))
	assert.Equal(t, "server", Slug("!!!"))
	assert.Len(t, Slug(strings.Repeat("x", 100)), 64)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, FormatYAML)
	require.NoError(t, err)

	s, err := Parse([]byte(jsonDef), FormatJSON)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, s))
	assert.FileExists(t, filepath.Join(dir, "shop.yaml"))

	got, err := store.Get(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	require.Len(t, got.Tools, 1)
	assert.True(t, s.Tools[0].Equal(got.Tools[0]))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, "shop"))
	assert.NoFileExists(t, filepath.Join(dir, "shop.yaml"))
	require.NoError(t, store.Delete(ctx, "shop"))
}

func TestFileStoreKeepsExistingFormat(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop.json"), []byte(jsonDef), 0o644))

	store, err := NewFileStore(dir, FormatYAML)
	require.NoError(t, err)

	s, err := store.Get(ctx, "shop")
	require.NoError(t, err)
	s.Name = "Renamed"
	require.NoError(t, store.Save(ctx, s))

	assert.NoFileExists(t, filepath.Join(dir, "shop.yaml"))
	data, err := os.ReadFile(filepath.Join(dir, "shop.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"name": "Renamed"`)
}

func TestFileStoreListReportsBadFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.json"), []byte(jsonDef), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("tools: [\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	store, err := NewFileStore(dir, FormatJSON)
	require.NoError(t, err)

	list, err := store.List(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
	require.Len(t, list, 1)
	assert.Equal(t, "shop", list[0].ID)
}

func TestLoadFileDefaultsIDToFileName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "from-file.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tools: []\n"), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", s.ID)
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	changed := map[string]int{}
	removed := map[string]int{}
	w := NewWatcher(dir, WatchHandler{
		OnChange: func(s Server) {
			mu.Lock()
			changed[s.ID]++
			mu.Unlock()
		},
		OnRemove: func(id string) {
			mu.Lock()
			removed[id]++
			mu.Unlock()
		},
	}, 30*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)

	store, err := NewFileStore(dir, FormatYAML)
	require.NoError(t, err)
	s, err := Parse([]byte(jsonDef), FormatJSON)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), s))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return changed["shop"] >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.Delete(context.Background(), "shop"))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return removed["shop"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

const legacyConfig = `{
  "name": "My Shop",
  "tools": [
    {
      "name": "get price",
      "args": ["item"],
      "cells": [
        {"type": "Return Data", "order": 2, "code": "result = args['item'].upper()"},
        {"type": "Load Page", "order": 0, "code": " shop.test "},
        {"type": "Execute JavaScript", "order": 1, "code": "window.x = 1;"},
        {"type": "Execute Python", "order": 3, "code": "print('never runs')"}
      ]
    },
    {
      "name": "raw",
      "args": [],
      "cells": [{"type": "Execute Python", "order": 0, "code": "driver.get('x')"}]
    }
  ]
}`

func TestImportLegacy(t *testing.T) {
	s, warnings, err := ImportLegacy([]byte(legacyConfig))
	require.NoError(t, err)

	assert.Equal(t, "My-Shop", s.ID)
	assert.Equal(t, "My Shop", s.Name)
	require.Len(t, s.Tools, 2)

	price := s.Tools[0]
	assert.Equal(t, "get-price", price.Name)
	assert.Equal(t, tool.LanguagePython, price.Language)
	assert.Equal(t, "Automated tool for get price", price.Description)
	require.Len(t, price.InputSchema, 1)
	assert.Equal(t, tool.Parameter{Name: "item", Type: tool.TypeString, Required: true, Description: "Parameter item"}, price.InputSchema[0])

	src := price.Source
	nav := strings.Index(src, `navigate("shop.test")`)
	js := strings.Index(src, `evaluate_script("() => {\nwindow.x = 1;\n}")`)
	ret := strings.Index(src, `result = _cell("result = args['item'].upper()"`)
	require.True(t, nav >= 0 && js >= 0 && ret >= 0, src)
	assert.Less(t, nav, js)
	assert.Less(t, js, ret)
	assert.NotContains(t, src, "never runs")

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "raw cell 1")
}

func TestImportLegacyRejectsREPLCells(t *testing.T) {
	_, _, err := ImportLegacy([]byte(`{"name":"s","tools":[{"name":"t","args":[],"cells":[{"type":"Python REPL","order":0,"code":""}]}]}`))
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "Python REPL")
}

func TestImportLegacyFileFromDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "My Shop")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(legacyConfig), 0o644))

	s, _, err := ImportLegacyFile(dir)
	require.NoError(t, err)
	assert.Equal(t, "My-Shop", s.ID)
}
