package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/provadorai/provador/internal/balance"
	"github.com/provadorai/provador/internal/logging"
	"github.com/provadorai/provador/internal/model"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		count    int
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "watch <store-id>",
		Short: "Follow a store's balance as the service changes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := logging.New(cmd.ErrOrStderr(), logLevel, "text")
			return a.watch(ctx, args[0], count, cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many updates (0 follows until interrupted)")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level for connection events")
	return cmd
}

func (a *app) watch(ctx context.Context, storeID string, count int, w io.Writer, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	live := balance.New(storeID,
		balance.NewHTTPFetcher(a.serverURL, http.DefaultClient),
		balance.NewFeedSubscriber(a.serverURL, http.DefaultClient),
		logger,
		balance.Options{},
	)

	views := make(chan model.BalanceView, 16)
	live.OnChange(func(v model.BalanceView) {
		select {
		case views <- v:
		case <-ctx.Done():
		}
	})

	if err := live.Start(ctx); err != nil {
		return err
	}

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-views:
			if a.asJSON {
				if err := a.printJSON(w, v); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(w, "v%d  %s  %d credits (plan %d, extra %d)%s\n",
					v.Version, v.PlanName, v.TotalCredits, v.PlanCredits, v.ExtraCredits, viewFlags(v))
			}
			seen++
			if count > 0 && seen >= count {
				return nil
			}
		}
	}
}

func viewFlags(v model.BalanceView) string {
	switch {
	case v.Stale:
		return "  [stale]"
	case v.IsBlocked:
		return "  [blocked: " + string(v.BlockReason) + "]"
	default:
		return ""
	}
}
