package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daimatz/classmod/pkg/bytecode"
	"github.com/daimatz/classmod/pkg/classfile"
)

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <file.class>",
		Short: "Disassemble a class file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := classfile.ParseFile(args[0])
			if err != nil {
				return fmt.Errorf("parse class file: %w", err)
			}
			return bytecode.DisassembleClass(cmd.OutOrStdout(), cf)
		},
	}
}
