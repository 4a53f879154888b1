// Package kilncli implements kiln's ambient CLI surface: cache-root
// introspection only, not the excluded user-facing task-class surface
// (spec.md §1's Non-goals). Grounded on
// FollowTheProcess-spok/cli/cmd/root.go's cobra wiring shape (flags bound
// to a shared options struct via Flags(), not individual closures).
package kilncli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Options holds the flags shared across kiln's subcommands.
type Options struct {
	CacheRoot string
	LogLevel  string
}

// BuildRootCmd builds the root "kiln" command and its subcommands.
func BuildRootCmd() *cobra.Command {
	opts := &Options{}

	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Introspect a kiln task cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.CacheRoot, "cache-root", ".kiln-cache", "Path to the cache root directory.")
	flags.StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error.")

	root.AddCommand(buildCacheCmd(opts))
	return root
}

func buildCacheCmd(opts *Options) *cobra.Command {
	cache := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the task cache",
	}
	cache.AddCommand(buildCacheStatCmd(opts))
	cache.AddCommand(buildCacheInspectCmd(opts))
	return cache
}

func buildCacheStatCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Summarize the number of entries and total bytes under the cache root",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, totalBytes, err := statCache(opts.CacheRoot)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entries: %d\nbytes: %d\nroot: %s\n", entries, totalBytes, opts.CacheRoot)
			return nil
		},
	}
}

func buildCacheInspectCmd(opts *Options) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "inspect <fingerprint>",
		Short: "Print the on-disk layout of a single cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp := args[0]
			dir, err := findEntryDir(opts.CacheRoot, fp, name)
			if err != nil {
				return err
			}
			return printEntryTree(cmd.OutOrStdout(), dir)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name suffix of the entry (disambiguates <fp>_<name> directories).")
	return cmd
}

func statCache(root string) (entries int, totalBytes int64, err error) {
	top, err := os.ReadDir(root)
	if err != nil {
		return 0, 0, fmt.Errorf("reading cache root %q: %w", root, err)
	}
	for _, e := range top {
		if !e.IsDir() || e.Name() == "reusable" {
			continue
		}
		entries++
		dirPath := filepath.Join(root, e.Name())
		err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			totalBytes += info.Size()
			return nil
		})
		if err != nil {
			return 0, 0, err
		}
	}
	return entries, totalBytes, nil
}

func findEntryDir(root, fp, name string) (string, error) {
	top, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("reading cache root %q: %w", root, err)
	}
	prefix := fp + "_"
	for _, e := range top {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if name == "" || strings.TrimPrefix(e.Name(), prefix) == name {
			return filepath.Join(root, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no cache entry for fingerprint %s under %s", fp, root)
}

func printEntryTree(out interface{ Write([]byte) (int, error) }, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		if rel == "." {
			fmt.Fprintf(out, "%s\n", dir)
			return nil
		}
		fmt.Fprintf(out, "  %s\n", rel)
		return nil
	})
}
