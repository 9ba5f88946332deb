package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/arkiv/testnet-faucet/internal/abuse"
	"github.com/arkiv/testnet-faucet/internal/admission"
	"github.com/arkiv/testnet-faucet/internal/captcha"
	"github.com/arkiv/testnet-faucet/internal/config"
	"github.com/arkiv/testnet-faucet/internal/dispatch"
	"github.com/arkiv/testnet-faucet/internal/ledger"
)

func newServeCmd(log *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the faucet HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(parent context.Context, cfg config.Config, log *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	chainID, err := resolveChainID(ctx, client, cfg.Chain)
	if err != nil {
		return err
	}
	dcfg, err := dispatchConfig(cfg.Chain, chainID)
	if err != nil {
		return err
	}
	sender, err := dispatch.New(client, dcfg, log)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	log.Info("custodial account", "address", sender.From().Hex(), "chain_id", chainID.String(), "amount_ether", cfg.Chain.Amount)

	store, closeStore, err := openLedger(ctx, cfg.Ledger, log)
	if err != nil {
		return err
	}
	defer closeStore()

	verifier := captcha.NewHCaptcha(cfg.Captcha.Secret, cfg.Captcha.VerifyURL, cfg.Captcha.Timeout)
	ctrl, err := admission.New(store, verifier, sender, admissionOptions(cfg), log)
	if err != nil {
		return fmt.Errorf("create admission controller: %w", err)
	}

	low, err := lowBalance(cfg.Monitor)
	if err != nil {
		return err
	}
	go runBalanceMonitor(ctx, sender, cfg.Monitor.Interval, low, log)

	opts := routerOptions{
		honeypotField:  cfg.Abuse.HoneypotField,
		forceErrorRate: cfg.ForceErrorRate,
	}
	if cfg.Abuse.TrustProxyHeaders {
		opts.trustedHops = cfg.Abuse.TrustedProxyHops
	}
	handler := newRouter(ctrl, opts)

	// Use http.Server for graceful shutdown on SIGTERM/SIGINT.
	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel() // trigger shutdown so serve can return
		}
	}()
	log.Info("starting", "addr", cfg.Addr, "ledger", cfg.Ledger.Backend, "scope", cfg.Policy.Scope)

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "err", err)
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("server stopped: %w", err)
	default:
		return nil
	}
}

// resolveChainID asks the node for its chain id and refuses to start when
// CHAIN_ID is set and disagrees.
func resolveChainID(ctx context.Context, client *ethclient.Client, cfg config.ChainConfig) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
	defer cancel()
	id, err := client.ChainID(callCtx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if cfg.ChainID != 0 && id.Uint64() != cfg.ChainID {
		return nil, fmt.Errorf("rpc reports chain id %s, configured %d", id, cfg.ChainID)
	}
	return id, nil
}

func dispatchConfig(cfg config.ChainConfig, chainID *big.Int) (dispatch.Config, error) {
	key, err := dispatch.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return dispatch.Config{}, err
	}
	amount, err := dispatch.ParseEther(cfg.Amount)
	if err != nil {
		return dispatch.Config{}, fmt.Errorf("invalid VALUE: %w", err)
	}
	tip, err := dispatch.ParseUnits(cfg.GasTipFallback, dispatch.GweiDecimals)
	if err != nil {
		return dispatch.Config{}, fmt.Errorf("invalid GAS_TIP_FALLBACK_GWEI: %w", err)
	}
	price, err := dispatch.ParseUnits(cfg.GasPriceFallback, dispatch.GweiDecimals)
	if err != nil {
		return dispatch.Config{}, fmt.Errorf("invalid GAS_PRICE_FALLBACK_GWEI: %w", err)
	}
	return dispatch.Config{
		PrivateKey:       key,
		ChainID:          chainID,
		Amount:           amount,
		GasLimitFallback: cfg.GasLimitFallback,
		GasTipFallback:   tip,
		GasPriceFallback: price,
		CallTimeout:      cfg.RPCTimeout,
	}, nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig, log *slog.Logger) (ledger.Ledger, func(), error) {
	switch cfg.Backend {
	case config.LedgerRedis:
		s, err := ledger.NewRedis(ctx, ledger.RedisConfig{URL: cfg.RedisURL})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis ledger: %w", err)
		}
		return s, func() { s.Close() }, nil
	case config.LedgerPostgres:
		p, err := ledger.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return p, func() { p.Close() }, nil
	case config.LedgerMemory:
		log.Warn("memory ledger is not shared between replicas; run a single instance")
		return ledger.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func admissionOptions(cfg config.Config) admission.Options {
	deny := cfg.Abuse.AgentDenyList
	if deny == nil {
		deny = abuse.DefaultAgentDenyList
	}
	return admission.Options{
		Shape: abuse.Policy{abuse.Method(), abuse.Body()},
		Heuristics: abuse.Policy{
			abuse.SharedSecret(cfg.Abuse.SharedSecret),
			abuse.Agent(cfg.Abuse.AgentMinLength, deny),
			abuse.Origin(cfg.Abuse.AllowedOrigin),
			abuse.Honeypot(),
		},
		Scope:                 cfg.Policy.Scope,
		AddressCooldown:       cfg.Policy.AddressCooldown,
		OriginCooldown:        cfg.Policy.OriginCooldown,
		CaptchaBeforeCooldown: cfg.Policy.CaptchaBeforeCooldown,
		LedgerTimeout:         cfg.Ledger.Timeout,
	}
}
