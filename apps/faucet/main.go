// Faucet: HTTP API handing out testnet ether. One grant per wallet and per client origin within
// a cooldown window; the cooldown is reserved in a shared ledger before any funds move.
// Endpoints: POST /faucet (alias /api/faucet, JSON body: address, captchaToken), GET /healthz, GET /metrics.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := newRootCmd(logger).Execute(); err != nil {
		slog.Error("faucet stopped", "err", err)
		os.Exit(1)
	}
}

func newRootCmd(log *slog.Logger) *cobra.Command {
	serve := newServeCmd(log)
	root := &cobra.Command{
		Use:           "faucet",
		Short:         "Testnet faucet service",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Running the binary without a subcommand serves.
		RunE: serve.RunE,
	}
	root.AddCommand(serve, newLimitsCmd())
	return root
}
