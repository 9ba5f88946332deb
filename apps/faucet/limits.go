package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arkiv/testnet-faucet/internal/config"
)

func newLimitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show the cooldown policy the service would enforce",
		Long: `Display the grant amount, cooldown windows and check order resolved
from the environment (and .env, if present).

Example:
  faucet limits`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return printLimits(cmd.OutOrStdout(), cfg)
		},
	}
}

func printLimits(w io.Writer, cfg config.Config) error {
	order := "cooldown, then captcha"
	if cfg.Policy.CaptchaBeforeCooldown {
		order = "captcha, then cooldown"
	}
	origin := cfg.Abuse.AllowedOrigin
	if origin == "" {
		origin = "any"
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FAUCET LIMITS")
	fmt.Fprintf(tw, "  amount per grant:\t%s ETH\n", cfg.Chain.Amount)
	fmt.Fprintf(tw, "  cooldown scope:\t%s\n", cfg.Policy.Scope)
	if cfg.Policy.Scope != config.ScopeOrigin {
		fmt.Fprintf(tw, "  wallet cooldown:\t%s\n", cfg.Policy.AddressCooldown)
	}
	if cfg.Policy.Scope != config.ScopeAddress {
		fmt.Fprintf(tw, "  origin cooldown:\t%s\n", cfg.Policy.OriginCooldown)
	}
	fmt.Fprintf(tw, "  check order:\t%s\n", order)
	fmt.Fprintf(tw, "  allowed origin:\t%s\n", origin)
	fmt.Fprintf(tw, "  ledger backend:\t%s\n", cfg.Ledger.Backend)
	return tw.Flush()
}
