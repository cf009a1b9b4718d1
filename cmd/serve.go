package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only ops API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = env.Config.Server.Addr
			}
			if addr == "" {
				return errors.New("no listen address: set server.addr or --addr")
			}
			app, err := newApp(cmd.Context(), env.Config, env.Logger)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			defer func() {
				if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
					env.Logger.Warn("application close failed", zap.Error(cerr))
				}
			}()
			return app.Serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	return cmd
}
