// Package dispatch sends the faucet's native-token transfers from the
// custodial account and classifies their failures. It never retries: a
// broadcast with an unclear outcome may already be in the mempool.
package dispatch

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferGas is the intrinsic gas of a plain value transfer.
const TransferGas uint64 = 21000

// Client is the subset of ethclient.Client the dispatcher uses.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Config is fixed at construction.
type Config struct {
	PrivateKey *ecdsa.PrivateKey
	ChainID    *big.Int
	// Amount is the transfer value in wei.
	Amount *big.Int
	// Fallbacks used when the node cannot estimate.
	GasLimitFallback uint64
	GasTipFallback   *big.Int
	GasPriceFallback *big.Int
	// CallTimeout bounds every RPC round trip.
	CallTimeout time.Duration
}

// Dispatcher signs and broadcasts transfers from one custodial key.
type Dispatcher struct {
	client Client
	cfg    Config
	from   common.Address
	signer types.Signer
	log    *slog.Logger
}

// New validates cfg and returns a dispatcher.
func New(client Client, cfg Config, log *slog.Logger) (*Dispatcher, error) {
	switch {
	case client == nil:
		return nil, fmt.Errorf("rpc client is required")
	case cfg.PrivateKey == nil:
		return nil, fmt.Errorf("private key is required")
	case cfg.ChainID == nil || cfg.ChainID.Sign() <= 0:
		return nil, fmt.Errorf("chain id must be positive")
	case cfg.Amount == nil || cfg.Amount.Sign() <= 0:
		return nil, fmt.Errorf("amount must be positive")
	}
	if cfg.GasLimitFallback < TransferGas {
		cfg.GasLimitFallback = TransferGas
	}
	if cfg.GasTipFallback == nil {
		cfg.GasTipFallback = big.NewInt(1_000_000_000)
	}
	if cfg.GasPriceFallback == nil {
		cfg.GasPriceFallback = big.NewInt(20_000_000_000)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		client: client,
		cfg:    cfg,
		from:   crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		signer: types.LatestSignerForChainID(cfg.ChainID),
		log:    log,
	}, nil
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// From returns the custodial address.
func (d *Dispatcher) From() common.Address { return d.from }

// Amount returns the configured transfer value in wei.
func (d *Dispatcher) Amount() *big.Int { return new(big.Int).Set(d.cfg.Amount) }

// Send transfers the configured amount to to and returns the transaction
// hash once the node has accepted the broadcast. Failures are *Error values.
func (d *Dispatcher) Send(ctx context.Context, to common.Address) (common.Hash, error) {
	nonce, err := d.pendingNonce(ctx)
	if err != nil {
		class := Classify(err)
		if class == ClassUnknown {
			class = ClassTransient
		}
		return common.Hash{}, &Error{Class: class, Step: StepNonce, Err: err}
	}

	gas := d.estimateGas(ctx, to)
	fee := d.fees(ctx)

	var tx *types.Transaction
	if fee.legacy {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fee.price,
			Gas:      gas,
			To:       &to,
			Value:    d.cfg.Amount,
		})
	} else {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   d.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: fee.tip,
			GasFeeCap: fee.feeCap,
			Gas:       gas,
			To:        &to,
			Value:     d.cfg.Amount,
		})
	}
	signed, err := types.SignTx(tx, d.signer, d.cfg.PrivateKey)
	if err != nil {
		return common.Hash{}, &Error{Class: ClassRejected, Step: StepSign, Err: err}
	}

	if err := d.broadcast(ctx, signed); err != nil {
		return signed.Hash(), &Error{Class: Classify(err), Step: StepBroadcast, Hash: signed.Hash(), Err: err}
	}
	d.log.Info("transfer broadcast",
		"tx", signed.Hash().Hex(), "to", to.Hex(), "nonce", nonce, "gas", gas,
		"type", signed.Type(), "gas_price", fee.price.String(), "tip", fee.tip.String(), "fee_cap", fee.feeCap.String())
	return signed.Hash(), nil
}

// Balance returns the custodial account balance in wei.
func (d *Dispatcher) Balance(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return d.client.BalanceAt(ctx, d.from, nil)
}

// pendingNonce reads the nonce from the pending view so transactions that
// are broadcast but unmined are not reused.
func (d *Dispatcher) pendingNonce(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return d.client.PendingNonceAt(ctx, d.from)
}

func (d *Dispatcher) estimateGas(ctx context.Context, to common.Address) uint64 {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	gas, err := d.client.EstimateGas(ctx, ethereum.CallMsg{From: d.from, To: &to, Value: d.cfg.Amount})
	if err != nil || gas == 0 {
		d.log.Warn("gas estimate failed, using fallback", "err", err, "fallback", d.cfg.GasLimitFallback)
		return d.cfg.GasLimitFallback
	}
	return gas
}

// feeQuote is what fees settled on for one transaction.
type feeQuote struct {
	tip, feeCap, price *big.Int
	// legacy is set when the node has no eth_maxPriorityFeePerGas; the
	// transfer then goes out as a pre-London transaction priced at price.
	legacy bool
}

// fees returns the priority tip and a fee cap of twice the suggested gas
// price, never below the tip. For legacy quotes the cap is the price.
func (d *Dispatcher) fees(ctx context.Context) feeQuote {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	var q feeQuote
	tip, err := d.client.SuggestGasTipCap(ctx)
	switch {
	case err != nil && isUnsupported(err):
		d.log.Warn("node does not support dynamic fees, sending legacy transaction", "err", err)
		q.legacy = true
		tip = new(big.Int)
	case err != nil || tip == nil:
		d.log.Warn("gas tip suggestion failed, using fallback", "err", err)
		tip = new(big.Int).Set(d.cfg.GasTipFallback)
	}
	price, err := d.client.SuggestGasPrice(ctx)
	if err != nil || price == nil {
		d.log.Warn("gas price suggestion failed, using fallback", "err", err)
		price = new(big.Int).Set(d.cfg.GasPriceFallback)
	}
	q.tip, q.price = tip, price
	if q.legacy {
		q.feeCap = new(big.Int).Set(price)
		return q
	}
	q.feeCap = new(big.Int).Mul(price, big.NewInt(2))
	if q.feeCap.Cmp(tip) < 0 {
		q.feeCap = new(big.Int).Set(tip)
	}
	return q
}

func (d *Dispatcher) broadcast(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return d.client.SendTransaction(ctx, tx)
}
