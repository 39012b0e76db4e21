package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vitwit/autopay/indexer"
	"github.com/vitwit/autopay/status"
	"github.com/vitwit/autopay/types"
	"github.com/vitwit/autopay/utils"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s database is up to date\n", cfg.DBDriver)
			return nil
		},
	}
}

func indexCmd() *cobra.Command {
	var chainID int64

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Run one indexer cycle for every chain, or for --chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			targets := svc.Indexers()
			if chainID != 0 {
				ix, ok := svc.Indexer(chainID)
				if !ok {
					return fmt.Errorf("chain %d is not configured", chainID)
				}
				targets = []*indexer.Indexer{ix}
			}
			results := make(map[int64]indexer.Result, len(targets))
			for _, ix := range targets {
				res, err := ix.RunOnce(cmd.Context())
				if err != nil {
					return fmt.Errorf("chain %d: %w", ix.ChainID(), err)
				}
				results[ix.ChainID()] = res
			}
			return printJSON(cmd, results)
		},
	}

	cmd.Flags().Int64Var(&chainID, "chain", 0, "only index this chain id")
	return cmd
}

func backfillCmd() *cobra.Command {
	var (
		chainID int64
		from    uint64
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-index a chain from a block up to its confirmed head",
		Long: `Re-index a chain from --from up to the confirmed head. Events already stored
are left untouched. The checkpoint only moves forward.

Examples:
  autopay backfill --chain 8453 --from 18000000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			ix, ok := svc.Indexer(chainID)
			if !ok {
				return fmt.Errorf("chain %d is not configured", chainID)
			}
			res, err := ix.Backfill(cmd.Context(), from)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}

	cmd.Flags().Int64Var(&chainID, "chain", 0, "chain id to backfill")
	cmd.Flags().Uint64Var(&from, "from", 0, "first block to index")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func chargeCmd() *cobra.Command {
	var chainID int64

	cmd := &cobra.Command{
		Use:   "charge [policy-id]",
		Short: "Charge one policy now, regardless of its due date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := utils.ParsePolicyID(args[0])
			if err != nil {
				return err
			}
			svc, _, err := service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			out, err := svc.Executor().ChargePolicy(cmd.Context(), types.PolicyKey{PolicyID: id.Hex(), ChainID: chainID})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().Int64Var(&chainID, "chain", 0, "chain id of the policy")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

func deliverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliver",
		Short: "Run one webhook delivery cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := service(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			sum, err := svc.Dispatcher().RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, sum)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print indexing progress and queue sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			chains := make([]status.Chain, 0, len(cfg.Chains))
			for _, ch := range cfg.Chains {
				chains = append(chains, status.Chain{ChainID: ch.ChainID, Name: ch.Name})
			}
			report, err := status.NewReporter(st, status.Config{
				Chains:                 chains,
				MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
				FailedWebhookThreshold: cfg.FailedWebhookThreshold,
			}, nil).Report(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func merchantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merchant",
		Short: "Manage merchant webhook settings",
	}

	set := &cobra.Command{
		Use:   "set [file]",
		Short: "Create or replace a merchant from JSON",
		Long: `Create or replace a merchant's webhook endpoint and signing secret. The JSON
is read from the file argument, or stdin when it is "-" or missing.

Example:
  echo '{"address":"0x...","webhookUrl":"https://shop.example/hooks","webhookSecret":"whsec_..."}' | autopay merchant set`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read merchant: %w", err)
			}
			m, err := utils.ParseMerchant(data)
			if err != nil {
				return err
			}

			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.UpsertMerchant(cmd.Context(), *m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merchant %s saved\n", m.Address)
			return nil
		},
	}

	cmd.AddCommand(set)
	return cmd
}
