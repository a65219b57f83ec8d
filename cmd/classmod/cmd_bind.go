package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/synth"
	"github.com/daimatz/classmod/pkg/vm"
)

func newBindCmd(opts *options) *cobra.Command {
	var classPath string

	cmd := &cobra.Command{
		Use:   "bind <interface> <bridge>",
		Short: "Synthesize the class binding an interface to a bridge class and print it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := vm.NewUserClassLoader(classPath, bootstrapLoader(opts.cfg))
			s := synth.New(loader, opts.cfg.Synth.Namespace, opts.cfg.Synth.Prefix)
			b, err := s.Bind(args[0], args[1])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s implements %s via %s\n", b.Name(), b.Plan.Interface, b.Plan.Bridge)
			for _, f := range b.Plan.Forwards {
				fmt.Fprintf(w, "  %s%s -> %s%s\n", f.Method.Name, f.Method.Type, f.Target.Name, f.Target.Type)
			}
			fmt.Fprintln(w)
			return bytecode.DisassembleClass(w, b.Class)
		},
	}
	cmd.Flags().StringVarP(&classPath, "classpath", "c", ".", "directory holding the interface and bridge classes")
	return cmd
}
