package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

const (
	defaultAPIURL = "http://127.0.0.1:8453"
	tokenEnv      = "LENDCTL_TOKEN"
)

type globalOptions struct {
	apiURL  string
	token   string
	format  string
	timeout time.Duration
}

// NewRootCmd builds the lendctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "lendctl",
		Short:         "Operate and inspect a lendingd instance",
		Long:          `lendctl talks to the lendingd HTTP API to inspect markets and positions and to run operator actions such as pausing the protocol.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", defaultAPIURL, "lendingd API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token (defaults to $"+tokenEnv+")")
	root.PersistentFlags().StringVar(&opts.format, "format", "table", "output format (table, json, yaml)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newMarketsCmd(opts),
		newLoanCmd(opts),
		newHealthCmd(opts),
		newQuoteCmd(opts),
		newPriceCmd(opts),
		newPauseCmd(opts, true),
		newPauseCmd(opts, false),
		newTokenCmd(),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (o *globalOptions) client() *apiClient {
	token := o.token
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	return newAPIClient(o.apiURL, token, o.timeout)
}
