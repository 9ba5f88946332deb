package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arkiv/testnet-faucet/internal/config"
	"github.com/arkiv/testnet-faucet/internal/dispatch"
)

type balanceSource interface {
	From() common.Address
	Balance(ctx context.Context) (*big.Int, error)
}

func lowBalance(cfg config.MonitorConfig) (*big.Int, error) {
	if cfg.LowBalance == "" {
		return nil, nil
	}
	wei, err := dispatch.ParseEther(cfg.LowBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid LOW_BALANCE_ETHER: %w", err)
	}
	return wei, nil
}

// runBalanceMonitor polls the custodial balance at interval; exits on ctx.Done().
// A zero interval disables it.
func runBalanceMonitor(ctx context.Context, src balanceSource, interval time.Duration, low *big.Int, log *slog.Logger) {
	if interval <= 0 {
		return
	}
	checkBalance(ctx, src, low, log)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkBalance(ctx, src, low, log)
		}
	}
}

// checkBalance updates the balance gauge and warns when the account drops
// below low.
func checkBalance(ctx context.Context, src balanceSource, low *big.Int, log *slog.Logger) {
	bal, err := src.Balance(ctx)
	if err != nil {
		log.Warn("balance check failed", "err", err)
		balanceChecks.WithLabelValues("error").Inc()
		return
	}
	balanceChecks.WithLabelValues("ok").Inc()
	f, _ := new(big.Float).SetInt(bal).Float64()
	custodialBalance.Set(f)
	if low != nil && bal.Cmp(low) < 0 {
		log.Warn("custodial balance low", "address", src.From().Hex(), "balance_ether", dispatch.FormatEther(bal), "threshold_ether", dispatch.FormatEther(low))
	}
}
