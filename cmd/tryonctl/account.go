package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/provadorai/provador/internal/balance"
	"github.com/provadorai/provador/internal/credits"
	"github.com/provadorai/provador/internal/model"
	"github.com/provadorai/provador/internal/store"
)

func newAccountCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage store credit accounts",
	}

	cmd.AddCommand(
		newAccountCreateCmd(a),
		newAccountShowCmd(a),
		newAccountRenewCmd(a),
		newAccountGrantCmd(a),
		newAccountConsumeCmd(a),
		newAccountHistoryCmd(a),
	)
	return cmd
}

func newAccountCreateCmd(a *app) *cobra.Command {
	var plan string
	cmd := &cobra.Command{
		Use:   "create <store-id>",
		Short: "Create an account, on the trial plan by default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, done, err := a.openStore()
			if err != nil {
				return err
			}
			defer done()

			acct, err := s.Create(cmd.Context(), args[0], model.Plan(plan))
			if err != nil {
				return err
			}
			return a.printView(cmd.OutOrStdout(), credits.View(*acct, time.Now()))
		},
	}
	cmd.Flags().StringVar(&plan, "plan", string(model.PlanTrial), "initial plan")
	return cmd
}

func newAccountShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <store-id>",
		Short: "Show an account's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, done, err := a.openStore()
			if err != nil {
				return err
			}
			defer done()

			acct, err := s.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if acct == nil {
				return fmt.Errorf("%s: %w", args[0], store.ErrAccountNotFound)
			}
			return a.printView(cmd.OutOrStdout(), credits.View(*acct, time.Now()))
		},
	}
}

func newAccountRenewCmd(a *app) *cobra.Command {
	var (
		plan     string
		renewsAt string
	)
	cmd := &cobra.Command{
		Use:   "renew <store-id>",
		Short: "Reset plan credits, optionally switching plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().AddDate(0, 1, 0)
			if renewsAt != "" {
				t, err := time.Parse(time.DateOnly, renewsAt)
				if err != nil {
					return fmt.Errorf("--renews-at: %w", err)
				}
				at = t
			}

			s, done, err := a.openStore()
			if err != nil {
				return err
			}
			defer done()

			acct, err := s.Renew(cmd.Context(), store.RenewParams{
				StoreID:  args[0],
				Plan:     model.Plan(plan),
				RenewsAt: at,
			})
			if err != nil {
				return err
			}
			return a.printView(cmd.OutOrStdout(), credits.View(*acct, time.Now()))
		},
	}
	cmd.Flags().StringVar(&plan, "plan", "", "plan to renew onto")
	cmd.Flags().StringVar(&renewsAt, "renews-at", "", "next renewal date (YYYY-MM-DD), one month from now by default")
	cmd.MarkFlagRequired("plan")
	return cmd
}

func newAccountGrantCmd(a *app) *cobra.Command {
	var (
		amount int
		pack   string
	)
	cmd := &cobra.Command{
		Use:   "grant <store-id>",
		Short: "Grant extra credits by amount or pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pack != "" {
				n, ok := model.CreditPacks[pack]
				if !ok {
					return fmt.Errorf("unknown pack %q", pack)
				}
				amount = n
			}

			s, done, err := a.openStore()
			if err != nil {
				return err
			}
			defer done()

			acct, err := s.AddExtraCredits(cmd.Context(), args[0], amount, "")
			if err != nil {
				return err
			}
			return a.printView(cmd.OutOrStdout(), credits.View(*acct, time.Now()))
		},
	}
	cmd.Flags().IntVar(&amount, "amount", 0, "number of extra credits")
	cmd.Flags().StringVar(&pack, "pack", "", "credit pack id (small, medium, large)")
	cmd.MarkFlagsOneRequired("amount", "pack")
	cmd.MarkFlagsMutuallyExclusive("amount", "pack")
	return cmd
}

func newAccountConsumeCmd(a *app) *cobra.Command {
	var (
		key    string
		remote bool
	)
	cmd := &cobra.Command{
		Use:   "consume <store-id>",
		Short: "Deduct one credit under an idempotency key",
		Long:  "consume deducts one credit directly in the ledger database, or through the running service with --remote.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote {
				return a.consumeRemote(cmd.Context(), args[0], key, cmd.OutOrStdout())
			}

			s, done, err := a.openStore()
			if err != nil {
				return err
			}
			defer done()

			res, err := s.Consume(cmd.Context(), args[0], key)
			if err != nil {
				return err
			}
			return a.printConsume(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().BoolVar(&remote, "remote", false, "charge through the service at --server")
	cmd.MarkFlagRequired("key")
	return cmd
}

// consumeRemote charges through the service and prints the balance the
// charge leaves behind.
func (a *app) consumeRemote(ctx context.Context, storeID, key string, w io.Writer) error {
	live := balance.New(storeID,
		balance.NewHTTPFetcher(a.serverURL, http.DefaultClient),
		nil,
		slog.New(slog.DiscardHandler),
		balance.Options{},
	)
	if _, err := live.Refetch(ctx); err != nil {
		return err
	}

	res, err := live.Consume(ctx, balance.NewHTTPConsumer(a.serverURL, http.DefaultClient), key)
	if err != nil {
		return err
	}
	if !res.Success || a.asJSON {
		return a.printConsume(w, res)
	}
	v, err := live.View()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "charged, %d credits remaining\n", *res.CreditsRemaining)
	return a.printView(w, v)
}

func (a *app) printConsume(w io.Writer, res model.ConsumeResult) error {
	if a.asJSON {
		return a.printJSON(w, res)
	}
	if !res.Success {
		return fmt.Errorf("consume refused: %s", res.Error)
	}
	_, err := fmt.Fprintf(w, "charged, %d credits remaining\n", *res.CreditsRemaining)
	return err
}

func newAccountHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <store-id>",
		Short: "List recent consumptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, done, err := a.openStore()
			if err != nil {
				return err
			}
			defer done()

			list, err := s.ListConsumptions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), list)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tKEY\tBUCKET\tREMAINING")
			for _, c := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.CreatedAt.Local().Format(time.DateTime), c.IdempotencyKey, c.Bucket, c.CreditsRemaining)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	return cmd
}

func newEligibilityCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "eligibility <store-id>",
		Short: "Check whether a store may start a generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, done, err := a.openStore()
			if err != nil {
				return err
			}
			defer done()

			e, err := s.CheckEligibility(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(cmd.OutOrStdout(), e)
			}
			if e.Allowed {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "allowed")
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "blocked: %s\n", e.Reason)
			return err
		},
	}
}

func (a *app) printView(w io.Writer, v model.BalanceView) error {
	if a.asJSON {
		return a.printJSON(w, v)
	}
	_, err := io.WriteString(w, formatView(v))
	return err
}

func formatView(v model.BalanceView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "store:   %s (v%d)\n", v.StoreID, v.Version)
	fmt.Fprintf(&b, "plan:    %s\n", v.PlanName)
	fmt.Fprintf(&b, "credits: %d (plan %d, extra %d)\n", v.TotalCredits, v.PlanCredits, v.ExtraCredits)
	if v.TrialEndsAt != nil {
		fmt.Fprintf(&b, "trial:   ends in %d days\n", v.DaysToTrialEnd)
	}
	if v.PlanRenewsAt != nil {
		fmt.Fprintf(&b, "renews:  in %d days\n", v.DaysToRenew)
	}
	switch {
	case v.IsBlocked:
		fmt.Fprintf(&b, "status:  blocked (%s)\n", v.BlockReason)
	case v.Stale:
		b.WriteString("status:  stale\n")
	default:
		b.WriteString("status:  active\n")
	}
	return b.String()
}
