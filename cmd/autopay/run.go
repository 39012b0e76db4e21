package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vitwit/autopay"
)

func runCmd() *cobra.Command {
	var loops []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background loops until interrupted",
		Long: `Run the indexer, executor and webhook loops against every configured chain.

Configuration comes from AUTOPAY_* environment variables. SIGINT or SIGTERM
stops the loops; in-flight cycles get AUTOPAY_SHUTDOWN_GRACE to finish.

Examples:
  autopay run
  autopay run --loops indexer,webhooks`,
		RunE: func(cmd *cobra.Command, args []string) error {
			selected := make([]autopay.Loop, 0, len(loops))
			for _, name := range loops {
				l, err := autopay.ParseLoop(name)
				if err != nil {
					return err
				}
				selected = append(selected, l)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, cfg, err := service(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			shutdown, err := autopay.SetupTracing(ctx, cfg.OTelEndpoint)
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
				defer cancel()
				_ = shutdown(flushCtx)
			}()

			return svc.Run(ctx, selected...)
		},
	}

	cmd.Flags().StringSliceVar(&loops, "loops", nil, "loops to run (indexer, executor, webhooks); all when empty")
	return cmd
}
