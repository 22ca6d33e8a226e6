package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/entrhq/monkey/pkg/definition"
)

func newImportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "import <legacy-dir> <out-dir>",
		Short: "Convert legacy server configs into definition files",
		Long: `Convert servers saved by the legacy desktop application into definition
files. <legacy-dir> is either one server directory holding config.json, or a
directory of such server directories.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := definition.NewFileStore(args[1], definition.Format(format))
			if err != nil {
				return err
			}
			sources, err := legacySources(args[0])
			if err != nil {
				return err
			}
			if failed := importLegacy(cmd.Context(), cmd.OutOrStdout(), out, sources); failed > 0 {
				return fmt.Errorf("%d of %d servers could not be imported", failed, len(sources))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", string(definition.FormatYAML), "output format: yaml, toml or json")
	return cmd
}

// legacySources lists the legacy config.json files under dir.
func legacySources(dir string) ([]string, error) {
	own := filepath.Join(dir, "config.json")
	if _, err := os.Stat(own); err == nil {
		return []string{own}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var sources []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), "config.json")
		if _, err := os.Stat(path); err == nil {
			sources = append(sources, path)
		}
	}
	sort.Strings(sources)
	if len(sources) == 0 {
		return nil, fmt.Errorf("no legacy config.json found in %s", dir)
	}
	return sources, nil
}

// importLegacy converts and saves each source, reporting on w, and returns
// how many failed.
func importLegacy(ctx context.Context, w io.Writer, out definition.Store, sources []string) int {
	failed := 0
	for _, path := range sources {
		def, warnings, err := definition.ImportLegacyFile(path)
		if err == nil {
			err = out.Save(ctx, def)
		}
		if err != nil {
			failed++
			fmt.Fprintf(w, "%s %s\n    %v\n", red("FAIL"), path, err)
			continue
		}
		fmt.Fprintf(w, "%s   %s -> %s (%d tools)\n", green("ok"), path, def.ID, len(def.Tools))
		for _, warning := range warnings {
			fmt.Fprintf(w, "    %s %s\n", yellow("warning:"), warning)
		}
	}
	return failed
}
