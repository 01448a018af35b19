package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/fpcollect/pkg/server"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collector HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := server.OpenStorage(ctx, c.cfg, c.log)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					c.log.Error("failed to close storage", zap.Error(err))
				}
			}()

			app, err := server.Build(c.cfg, store, c.log)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", c.v.GetString("server.addr"), "listen address")
	flags.String("backend", c.v.GetString("storage.backend"), "storage backend: memory, badger, sqlite or postgres")
	flags.String("data-dir", c.v.GetString("storage.data_dir"), "badger data directory")
	flags.String("static-dir", "", "serve files from this directory at /")
	flags.Bool("intern", false, "store fingerprints as interned value ids")
	_ = c.v.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = c.v.BindPFlag("storage.backend", flags.Lookup("backend"))
	_ = c.v.BindPFlag("storage.data_dir", flags.Lookup("data-dir"))
	_ = c.v.BindPFlag("server.static_dir", flags.Lookup("static-dir"))
	_ = c.v.BindPFlag("storage.intern_values", flags.Lookup("intern"))
	return cmd
}
