package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	nativecommon "termlend/native/common"
)

const secretEnv = "LENDINGD_HMAC_SECRET"

func newPauseCmd(opts *globalOptions, pause bool) *cobra.Command {
	use, path, short := "pause", "/v1/admin/pause", "Pause user entry points"
	if !pause {
		use, path, short = "unpause", "/v1/admin/unpause", "Resume user entry points"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := opts.client().post(ctx, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lending %sd\n", use)
			return nil
		},
	}
}

type tokenOptions struct {
	subject  string
	roles    []string
	issuer   string
	audience string
	ttl      time.Duration
}

// newTokenCmd mints an HS256 bearer token for the lendingd API. The secret
// is read from the environment so it never lands in shell history.
func newTokenCmd() *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with $" + secretEnv,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signed, err := mintToken(os.Getenv(secretEnv), *opts, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.subject, "sub", "", "caller address")
	cmd.Flags().StringSliceVar(&opts.roles, "role", nil, "role to grant (repeatable)")
	cmd.Flags().StringVar(&opts.issuer, "issuer", "", "iss claim")
	cmd.Flags().StringVar(&opts.audience, "audience", "", "aud claim")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func mintToken(secret string, opts tokenOptions, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", fmt.Errorf("%s is not set", secretEnv)
	}
	if !common.IsHexAddress(opts.subject) {
		return "", fmt.Errorf("sub must be a hex address")
	}
	if opts.ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	scopes := make([]string, 0, len(opts.roles))
	for _, raw := range opts.roles {
		role, ok := nativecommon.ParseRole(raw)
		if !ok {
			return "", fmt.Errorf("unknown role %q", raw)
		}
		scopes = append(scopes, string(role))
	}
	claims := jwt.MapClaims{
		"sub": common.HexToAddress(opts.subject).Hex(),
		"iat": now.Unix(),
		"exp": now.Add(opts.ttl).Unix(),
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	if opts.issuer != "" {
		claims["iss"] = opts.issuer
	}
	if opts.audience != "" {
		claims["aud"] = opts.audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
