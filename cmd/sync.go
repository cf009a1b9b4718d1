package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSyncCmd() *cobra.Command {
	var serveAddr string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync pass and print its summary",
		Long: `Processes due retries, discovers the latest episodes, completes every series
they belong to and runs the store audits. The run summary is printed as JSON.
With --metrics-addr the ops server is exposed for the duration of the pass.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, serveAddr)
		},
	}
	cmd.Flags().StringVar(&serveAddr, "metrics-addr", "", "serve /metrics and the ops API on this address during the pass")
	return cmd
}

func runSync(cmd *cobra.Command, serveAddr string) error {
	env, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	if serveAddr == "" {
		serveAddr = env.Config.Server.Addr
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

	serveCtx, stopServe := context.WithCancel(cmd.Context())
	serveDone := make(chan struct{})
	if serveAddr != "" {
		go func() {
			defer close(serveDone)
			if serr := app.Serve(serveCtx, serveAddr); serr != nil {
				env.Logger.Error("ops server failed", zap.Error(serr))
			}
		}()
	} else {
		close(serveDone)
	}

	summary, runErr := app.RunSync(cmd.Context())
	stopServe()
	<-serveDone
	if runErr != nil {
		return fmt.Errorf("sync pass: %w", runErr)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
