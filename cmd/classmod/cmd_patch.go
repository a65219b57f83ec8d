package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/daimatz/classmod/pkg/rewrite"
)

func newPatchCmd(opts *options) *cobra.Command {
	var jobs int

	cmd := &cobra.Command{
		Use:   "patch <in> <out>",
		Short: "Rewrite a directory of class files ahead of time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newEngine(opts.cfg)
			if err != nil {
				return err
			}
			total, changed, err := patchDir(engine, args[0], args[1], jobs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d classes, %d rewritten\n", total, changed)
			return nil
		},
	}
	cmd.Flags().IntVarP(&jobs, "jobs", "j", runtime.NumCPU(), "number of classes rewritten in parallel")
	return cmd
}

// patchDir rewrites every class file under in and writes the result, or the
// original bytes when nothing applied, to the same relative path under out.
func patchDir(engine *rewrite.Engine, in, out string, jobs int) (total, changed int, err error) {
	var files []string
	err = filepath.WalkDir(in, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".class") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("scanning %s: %w", in, err)
	}

	var rewritten atomic.Int64
	var g errgroup.Group
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for _, path := range files {
		g.Go(func() error {
			rel, err := filepath.Rel(in, path)
			if err != nil {
				return err
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			name := filepath.ToSlash(strings.TrimSuffix(rel, ".class"))
			if patched, ok := engine.Transform("patch", name, b); ok {
				b = patched
				rewritten.Add(1)
			}
			dst := filepath.Join(out, rel)
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			return os.WriteFile(dst, b, 0o644)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return len(files), int(rewritten.Load()), nil
}
