package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/monkey/pkg/definition"
	"github.com/entrhq/monkey/pkg/logging"
	"github.com/entrhq/monkey/pkg/sandbox"
)

func init() {
	color.NoColor = true
}

const validDefinition = `id: shop
tools:
  - name: title
    language: javascript
    source: return document.title;
`

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestValidateFiles(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "shop.yaml"), validDefinition)
	write(t, filepath.Join(dir, "copy.yml"), validDefinition)
	write(t, filepath.Join(dir, "broken.json"), `{"id":"broken","tools":[{"name":"x","language":"cobol","source":"1"}]}`)
	write(t, filepath.Join(dir, "notes.txt"), "not a definition")

	files, err := expandDefinitionPaths([]string{dir})
	require.NoError(t, err)
	require.Len(t, files, 3, "only definition files are picked up")

	var out bytes.Buffer
	failed := validateFiles(&out, files)
	assert.Equal(t, 2, failed)
	assert.Contains(t, out.String(), "cobol")
	assert.Contains(t, out.String(), `server id "shop" is also used by`)
	assert.Contains(t, out.String(), "ok   "+filepath.Join(dir, "copy.yml")+" (shop, 1 tools)")
}

func TestExpandDefinitionPathsErrors(t *testing.T) {
	_, err := expandDefinitionPaths([]string{t.TempDir()})
	assert.ErrorContains(t, err, "no definition files")

	_, err = expandDefinitionPaths([]string{filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

const legacyServer = `{
  "name": "My Shop",
  "tools": [{
    "name": "raw",
    "args": ["q"],
    "cells": [{"type": "Execute Python", "order": 0, "code": "driver.get('x')"}]
  }]
}`

func TestImportLegacyDirectory(t *testing.T) {
	legacy := t.TempDir()
	write(t, filepath.Join(legacy, "shop", "config.json"), legacyServer)
	write(t, filepath.Join(legacy, "bad", "config.json"), `{"name": "Bad", "tools": [{"name": "t", "cells": [{"type": "Python REPL"}]}]}`)
	require.NoError(t, os.MkdirAll(filepath.Join(legacy, "empty"), 0o755))

	sources, err := legacySources(legacy)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	out, err := definition.NewFileStore(t.TempDir(), definition.FormatYAML)
	require.NoError(t, err)

	var report bytes.Buffer
	failed := importLegacy(context.Background(), &report, out, sources)
	assert.Equal(t, 1, failed)
	assert.Contains(t, report.String(), "FAIL")
	assert.Contains(t, report.String(), "warning:")

	def, err := out.Get(context.Background(), "My-Shop")
	require.NoError(t, err)
	require.Len(t, def.Tools, 1)
	assert.Equal(t, "raw", def.Tools[0].Name)
	_, err = os.Stat(filepath.Join(out.Dir(), "My-Shop.yaml"))
	assert.NoError(t, err)
}

func TestLegacySourcesSingleServer(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "config.json"), legacyServer)

	sources, err := legacySources(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "config.json")}, sources)

	_, err = legacySources(t.TempDir())
	assert.Error(t, err)
}

func TestWarnUnconfinedPython(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWriterLogger("test", &buf)

	warnUnconfined(logger, &sandbox.PythonEngine{Command: []string{"python3"}})
	assert.Contains(t, buf.String(), "unconfined")

	buf.Reset()
	warnUnconfined(logger, &sandbox.PythonEngine{Command: []string{"bwrap", "--unshare-net", "python3"}})
	assert.Empty(t, buf.String())
}
