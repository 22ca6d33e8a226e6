package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/entrhq/monkey/pkg/definition"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "Check server definition files",
		Long: `Check server definition files (.yaml, .yml, .toml or .json). Directories
are searched for definition files, without recursing.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := expandDefinitionPaths(args)
			if err != nil {
				return err
			}
			if failed := validateFiles(cmd.OutOrStdout(), files); failed > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", failed, len(files))
			}
			return nil
		},
	}
}

// expandDefinitionPaths replaces directories by the definition files in
// them.
func expandDefinitionPaths(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if !e.IsDir() && definition.IsDefinitionFile(e.Name()) {
				found = append(found, filepath.Join(arg, e.Name()))
			}
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no definition files found")
	}
	return files, nil
}

// validateFiles reports each file on w and returns how many are invalid.
func validateFiles(w io.Writer, files []string) int {
	failed := 0
	ids := make(map[string]string)
	for _, path := range files {
		def, err := definition.LoadFile(path)
		if err == nil {
			if other, dup := ids[def.ID]; dup {
				err = fmt.Errorf("server id %q is also used by %s", def.ID, other)
			}
		}
		if err != nil {
			failed++
			fmt.Fprintf(w, "%s %s\n    %v\n", red("FAIL"), path, err)
			continue
		}
		ids[def.ID] = path
		fmt.Fprintf(w, "%s   %s (%s, %d tools)\n", green("ok"), path, def.ID, len(def.Tools))
	}
	return failed
}
