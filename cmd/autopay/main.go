package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vitwit/autopay"
	"github.com/vitwit/autopay/config"
	"github.com/vitwit/autopay/logger"
	"github.com/vitwit/autopay/storage"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "autopay",
		Short:         "Recurring on-chain payments: indexer, executor and webhook dispatcher",
		Version:       autopay.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(chargeCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(merchantCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// service loads configuration and builds the full service. Callers must
// Close it.
func service(ctx context.Context) (*autopay.Service, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	svc, err := autopay.New(ctx, cfg, autopay.WithLogger(logger.NewZapLogger(cfg.LogLevel)))
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

// openStore opens only the database, for commands that never touch a chain.
func openStore(ctx context.Context) (*storage.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(ctx, storage.Dialect(cfg.DBDriver), cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
