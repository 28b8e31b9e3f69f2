package main

import (
	"github.com/spf13/cobra"

	"github.com/alvarorichard/animeworld/internal/config"
	"github.com/alvarorichard/animeworld/internal/util"
)

// options are the persistent flags shared by every command
type options struct {
	configPath string
	envFile    string
	debug      bool
	workers    int
	routines   int

	cfg *config.Config
}

// load reads the configuration and applies flag overrides on top
func (o *options) load(cmd *cobra.Command) error {
	var envFiles []string
	if o.envFile != "" {
		envFiles = append(envFiles, o.envFile)
	}
	cfg, err := config.Load(o.configPath, envFiles...)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("debug") {
		cfg.Debug = o.debug
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = o.workers
	}
	if cmd.Flags().Changed("max-routines") {
		cfg.MaxRoutines = o.routines
	}

	util.SetDebugMode(cfg.Debug)
	util.InitLogger()
	o.cfg = cfg
	return nil
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "animeworld",
		Short:         "Telegram bot for browsing and downloading anime episodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return opts.load(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), opts.cfg)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "TOML configuration file")
	flags.StringVar(&opts.envFile, "env-file", "", "dotenv file to load (default .env)")
	flags.BoolVarP(&opts.debug, "debug", "d", false, "enable debug logging")
	flags.IntVarP(&opts.workers, "workers", "w", 0, "concurrent extraction and download slots")
	flags.IntVar(&opts.routines, "max-routines", 0, "updates handled at once (0 uses the library default)")

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newHistoryCommand(opts))

	return rootCmd
}
