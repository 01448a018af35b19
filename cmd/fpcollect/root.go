package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nicktill/fpcollect/pkg/config"
	"github.com/nicktill/fpcollect/pkg/logging"
	"github.com/nicktill/fpcollect/pkg/server"
)

// cli carries what PersistentPreRunE resolved to the subcommands
type cli struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.NewViper()}

	root := &cobra.Command{
		Use:           "fpcollect",
		Short:         "Collect browser fingerprints and compile value statistics",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.log != nil {
				_ = c.log.Sync()
			}
		},
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := root.PersistentFlags()
	flags.StringVarP(&c.cfgFile, "config", "c", "", "config file (yaml, toml or json)")
	flags.String("log-level", "info", "debug, info, warn or error")
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(
		newServeCmd(c),
		newCompileCmd(c),
		newSynthCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) init() error {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", c.cfgFile, err)
		}
	}

	cfg, err := config.FromViper(c.v)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.log = logger
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// version needs neither config nor logging
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), server.Version)
		},
	}
}
