package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newProxiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxies",
		Short: "Load (and optionally validate) the proxy pool and print its stats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			pool, err := newProxyPool(cmd.Context(), env.Config, env.Logger)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(pool.Stats()); err != nil {
				return fmt.Errorf("write stats: %w", err)
			}
			return nil
		},
	}
}
