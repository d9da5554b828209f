package commands

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	lendingserver "termlend/services/lending/server"
)

func newMarketsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "markets",
		Short: "List listed tokens and protocol settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			var out lendingserver.MarketsResponse
			if err := opts.client().get(ctx, "/v1/markets", nil, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, out, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "paused: %t  durations: %s..%s  grace: %s\n\n",
					out.Paused,
					duration(out.MinBorrowDurationSeconds),
					duration(out.MaxBorrowDurationSeconds),
					duration(out.GracePeriodSeconds))
				fmt.Fprintln(w, "TOKEN\tBORROW\tCOLLATERAL\tLTV\tPENALTY\tLIQUIDITY\tDEBT\tUTILIZATION")
				for _, m := range out.Markets {
					fmt.Fprintf(w, "%s\t%t\t%t\t%s\t%s\t%s\t%s\t%s\n",
						m.Token, m.Borrowable, m.Collateral,
						bps(m.LTVBPS), bps(m.LiquidationPenaltyBPS),
						amount(m.Liquidity), amount(m.TotalDebt), bps(m.UtilizationBPS))
				}
			})
		},
	}
}

func newLoanCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "loan <user> <collateral-token>",
		Short: "Show the loan and collateral balance of a position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			var out lendingserver.LoanResponse
			path := "/v1/loans/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1])
			if err := opts.client().get(ctx, path, nil, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, out, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "user\t%s\n", out.User)
				fmt.Fprintf(w, "collateral\t%s %s\n", amount(out.CollateralBalance), out.CollateralToken)
				if !out.Active {
					fmt.Fprintln(w, "loan\tnone")
					return
				}
				fmt.Fprintf(w, "borrowed\t%s %s\n", amount(out.Principal), out.BorrowToken)
				fmt.Fprintf(w, "interest\t%s\n", amount(out.Interest))
				fmt.Fprintf(w, "repaid\t%s\n", amount(out.Repaid))
				fmt.Fprintf(w, "remaining\t%s\n", amount(out.Remaining))
				fmt.Fprintf(w, "liquidated\t%s\n", amount(out.TotalLiquidated))
				fmt.Fprintf(w, "opened\t%s\n", relative(out.StartTime))
				fmt.Fprintf(w, "due\t%s\n", relative(out.DueDate))
			})
		},
	}
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health <user> <collateral-token>",
		Short: "Show the health factor of a position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			var out lendingserver.HealthResponse
			path := "/v1/health/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1])
			if err := opts.client().get(ctx, path, nil, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, out, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "health factor\t%s\n", healthFactor(out.HealthFactor))
				fmt.Fprintf(w, "liquidatable\t%t\n", out.Liquidatable)
			})
		},
	}
}

func newQuoteCmd(opts *globalOptions) *cobra.Command {
	var (
		user, borrowToken, collateralToken string
		term                               time.Duration
	)
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Preview the rate and borrow capacity for a position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			query := url.Values{}
			query.Set("user", user)
			query.Set("borrow_token", borrowToken)
			query.Set("collateral_token", collateralToken)
			query.Set("duration_seconds", strconv.FormatInt(int64(term/time.Second), 10))
			var out lendingserver.QuoteResponse
			if err := opts.client().get(ctx, "/v1/quote", query, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, out, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "utilization\t%s\n", bps(out.UtilizationBPS))
				fmt.Fprintf(w, "rate for term\t%s\n", bps(out.RateBPS))
				fmt.Fprintf(w, "collateral value\t%s\n", usd(out.CollateralValueUSD))
				fmt.Fprintf(w, "max borrow (no interest)\t%s\n", amount(out.MaxBorrowBeforeInterest))
				fmt.Fprintf(w, "max borrow\t%s\n", amount(out.MaxBorrowAfterInterest))
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "borrower address")
	cmd.Flags().StringVar(&borrowToken, "borrow-token", "", "token to borrow")
	cmd.Flags().StringVar(&collateralToken, "collateral-token", "", "collateral token")
	cmd.Flags().DurationVar(&term, "duration", 30*24*time.Hour, "loan duration")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("borrow-token")
	_ = cmd.MarkFlagRequired("collateral-token")
	return cmd
}

func newPriceCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "price <token>",
		Short: "Show the oracle price of one whole token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			var out lendingserver.PriceResponse
			if err := opts.client().get(ctx, "/v1/prices/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, out, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "%s\t%s\n", out.Token, usd(out.Price))
			})
		},
	}
}
