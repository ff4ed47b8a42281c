package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/settlesim/pkg/chain"
	"github.com/uhyunpark/settlesim/pkg/crypto"
	"github.com/uhyunpark/settlesim/pkg/order"
	"github.com/uhyunpark/settlesim/pkg/scenario"
	"github.com/uhyunpark/settlesim/pkg/settlement"
	"github.com/uhyunpark/settlesim/pkg/storage"
)

var errScenarioFailed = errors.New("scenario failed")

type opener func() (*env, error)

func runCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "run <scenario.toml>...",
		Short: "Replay scenarios against a fresh devnet exchange",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.close()

			journal, err := storage.NewFileJournal(filepath.Join(e.cfg.Node.DataDir, "reports.jsonl"))
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner := scenario.NewRunner(e.cfg.Exchange.Address,
				scenario.WithStore(e.store),
				scenario.WithJournal(journal),
				scenario.WithLogger(e.logger))

			failed := 0
			for _, path := range args {
				sc, err := scenario.Load(path)
				if err != nil {
					return err
				}
				res, err := runner.Run(ctx, sc)
				if err != nil {
					return err
				}
				printResult(cmd, res)
				if !res.Passed {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d", errScenarioFailed, failed, len(args))
			}
			return nil
		},
	}
}

func printResult(cmd *cobra.Command, res *scenario.Result) {
	out := cmd.OutOrStdout()
	status := "PASS"
	if !res.Passed {
		status = "FAIL"
	}
	fmt.Fprintf(out, "%s %s (run %s)\n", status, res.Scenario, res.RunID)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  #\tSTEP\tACTION\tEXPECT\tOUTCOME\t")
	for _, st := range res.Steps {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\t\n", st.Index+1, st.Name, st.Action, st.Expect, st.Outcome)
	}
	tw.Flush()
	for _, st := range res.Steps {
		if st.Error != "" {
			fmt.Fprintf(out, "  step %s: %s\n", st.Name, st.Error)
		}
	}
}

func verifyCmd(open opener) *cobra.Command {
	var leftPath, rightPath, priorLeft, priorRight, run string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Match two signed orders on a live exchange and verify the settlement",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.close()
			if e.cfg.Devnet() {
				return errors.New("verify needs SETTLESIM_RPC_URL; use run for the devnet")
			}

			left, err := readOrder(leftPath)
			if err != nil {
				return err
			}
			right, err := readOrder(rightPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := ethclient.DialContext(ctx, e.cfg.Exchange.RPCURL)
			if err != nil {
				return fmt.Errorf("dial %s: %w", e.cfg.Exchange.RPCURL, err)
			}
			defer client.Close()

			signer, err := crypto.FromPrivateKeyHex(e.cfg.Exchange.PrivateKey)
			if err != nil {
				return fmt.Errorf("taker key: %w", err)
			}
			ex, err := chain.NewExchangeClient(e.cfg.Exchange.Address, client, signer, e.cfg.Exchange.ChainID,
				chain.WithReceiptTimeout(e.cfg.Exchange.ReceiptTimeout), chain.WithLogger(e.logger))
			if err != nil {
				return err
			}
			tester, err := settlement.NewMatchOrderTester(
				settlement.Ports{Matcher: ex, Orders: ex, Ledger: chain.NewTokenReader(client), Market: ex},
				settlement.Config{Exchange: ex.Address(), FeeToken: e.cfg.Exchange.FeeToken},
				settlement.WithLogger(e.logger))
			if err != nil {
				return err
			}

			pl, err := priorFilled(priorLeft)
			if err != nil {
				return err
			}
			pr, err := priorFilled(priorRight)
			if err != nil {
				return err
			}

			taker := ex.Sender()
			prior, err := tester.InitialSnapshot(ctx, left, right, taker)
			if err != nil {
				return err
			}
			_, report, verr := tester.MatchOrdersAndVerifyBalances(ctx, left, right, taker, prior,
				settlement.WithName("verify"), settlement.WithExpectedPriorFilled(pl, pr))
			if report != nil {
				if err := e.store.SaveRun(storage.RunInfo{Name: run, CreatedAt: report.StartedAt}); err != nil {
					return err
				}
				if err := e.store.SaveReport(run, report); err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			}
			return verr
		},
	}
	cmd.Flags().StringVar(&leftPath, "left", "", "signed left order (JSON)")
	cmd.Flags().StringVar(&rightPath, "right", "", "signed right order (JSON)")
	cmd.Flags().StringVar(&priorLeft, "prior-left", "", "expected taker amount already filled on the left order (default 0)")
	cmd.Flags().StringVar(&priorRight, "prior-right", "", "expected taker amount already filled on the right order (default 0)")
	cmd.Flags().StringVar(&run, "run", "live", "run name the report is stored under")
	cmd.MarkFlagRequired("left")
	cmd.MarkFlagRequired("right")
	return cmd
}

func readOrder(path string) (*order.SignedOrder, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var o order.SignedOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", path, err)
	}
	return &o, nil
}

// priorFilled parses a prior-filled flag; unset means nothing filled yet.
func priorFilled(flag string) (*big.Int, error) {
	if flag == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(flag, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid prior filled amount %q", flag)
	}
	return v, nil
}

func reportsCmd(open opener) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "reports [run]",
		Short: "Print stored verification reports, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.close()

			run := ""
			if len(args) == 1 {
				run = args[0]
			}
			reports, err := e.store.LoadReports(run, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reports)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of reports (0 for all)")
	return cmd
}
