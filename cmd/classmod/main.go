package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/daimatz/classmod/pkg/config"
)

// options are the persistent flags shared by every command.
type options struct {
	rules     string
	envFiles  []string
	verbosity int
	cfg       *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{verbosity: -1}

	rootCmd := &cobra.Command{
		Use:          "classmod",
		Short:        "Rewrite JVM classes as they are loaded",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.rules, "rules", "r", "", "rules file (default ./"+config.FileName+" if present)")
	rootCmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env", nil, ".env files to load (default ./.env if present)")
	rootCmd.PersistentFlags().IntVarP(&opts.verbosity, "verbosity", "v", -1, "log verbosity, overriding the rules file")

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newPatchCmd(opts))
	rootCmd.AddCommand(newDumpCmd())
	rootCmd.AddCommand(newBindCmd(opts))
	return rootCmd
}

func (o *options) load() error {
	if err := config.LoadEnv(o.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Find(o.rules, ".")
	if err != nil {
		return err
	}
	if o.verbosity >= 0 {
		cfg.Verbosity = o.verbosity
	}
	var path *string
	if cfg.LogFile != "" {
		path = &cfg.LogFile
	}
	commonlog.Configure(cfg.Verbosity, path)
	o.cfg = cfg
	return nil
}
