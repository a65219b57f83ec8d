package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daimatz/classmod/pkg/config"
	"github.com/daimatz/classmod/pkg/rewrite"
	"github.com/daimatz/classmod/pkg/rules"
	"github.com/daimatz/classmod/pkg/vm"
)

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <Main.class>",
		Short: "Run a class with the rewrite rules applied at load time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filename := args[0]
			dir := filepath.Dir(filename)
			className := strings.TrimSuffix(filepath.Base(filename), ".class")

			engine, err := newEngine(opts.cfg)
			if err != nil {
				return err
			}
			loader := vm.NewUserClassLoader(dir, bootstrapLoader(opts.cfg))
			loader.SetTransformer(engine)

			machine := vm.NewVM(loader)
			machine.Stdout = cmd.OutOrStdout()
			if err := machine.Execute(className); err != nil {
				return fmt.Errorf("executing %s: %w", className, err)
			}
			return nil
		},
	}
}

func newEngine(cfg *config.Config) (*rewrite.Engine, error) {
	gens, err := rules.Generators(cfg)
	if err != nil {
		return nil, err
	}
	var opts []rewrite.Option
	if cfg.Debug {
		opts = append(opts, rewrite.WithTrace(os.Stderr))
	}
	return rewrite.New(gens, opts...)
}

// bootstrapLoader reads platform classes from java.base.jmod when one can
// be found. Without it the VM falls back to its native implementations.
func bootstrapLoader(cfg *config.Config) vm.ClassLoader {
	if p := cfg.JmodPath(); p != "" {
		return vm.NewJmodClassLoader(p)
	}
	return nil
}
