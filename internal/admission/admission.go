// Package admission decides whether a faucet request is granted. It runs the
// cheap checks first, then the cooldown read and captcha, reserves the
// cooldown keys before any funds move and either records or releases the
// reservation depending on how the transfer went.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arkiv/testnet-faucet/internal/abuse"
	"github.com/arkiv/testnet-faucet/internal/address"
	"github.com/arkiv/testnet-faucet/internal/captcha"
	"github.com/arkiv/testnet-faucet/internal/dispatch"
	"github.com/arkiv/testnet-faucet/internal/ledger"
)

// State is how far a request got through the pipeline.
type State string

const (
	StateReceived        State = "received"
	StateValidated       State = "validated"
	StateHeuristicPassed State = "heuristic_passed"
	StateCooldownClear   State = "cooldown_clear"
	StateCaptchaPassed   State = "captcha_passed"
	StateReserved        State = "reserved"
	StateDispatched      State = "dispatched"
	StateRecorded        State = "recorded"
)

// Cooldown scopes.
const (
	ScopeAddress = "address"
	ScopeOrigin  = "origin"
	ScopeBoth    = "both"
)

// transientRetryAfter is suggested to clients after a retryable failure.
const transientRetryAfter = 5 * time.Second

// Dispatcher sends the configured amount to an address.
type Dispatcher interface {
	Send(ctx context.Context, to common.Address) (common.Hash, error)
}

// Request is everything the controller needs from one HTTP request.
type Request struct {
	Method     string
	UserAgent  string
	Origin     string
	Referer    string
	AuthHeader string
	// BodyErr is set when the body could not be read or decoded.
	BodyErr  error
	Honeypot string

	Address      string
	CaptchaToken string
	// ClientIP identifies the requester for origin cooldowns.
	ClientIP string
}

func (r Request) heuristics() abuse.Request {
	return abuse.Request{
		Method:     r.Method,
		UserAgent:  r.UserAgent,
		Origin:     r.Origin,
		Referer:    r.Referer,
		BodyErr:    r.BodyErr,
		Honeypot:   r.Honeypot,
		AuthHeader: r.AuthHeader,
	}
}

// Rollback outcomes reported in Result.
const (
	RollbackNone   = ""
	RollbackOK     = "ok"
	RollbackFailed = "failed"
)

// Result is the decision for one request.
type Result struct {
	Status  int
	Message string
	Reason  Reason
	Kind    Kind
	State   State
	// TxHash is set once a transaction was signed, including failed sends.
	TxHash string
	// RetryAfter is the suggested wait for rate-limited and transient results.
	RetryAfter time.Duration
	// DispatchClass is set when the transfer failed.
	DispatchClass dispatch.Class
	Rollback      string
}

// Options configures a Controller. Zero values fall back to defaults in New.
type Options struct {
	// Shape runs before address validation, Heuristics after it.
	Shape      abuse.Policy
	Heuristics abuse.Policy

	Scope                 string
	AddressCooldown       time.Duration
	OriginCooldown        time.Duration
	CaptchaBeforeCooldown bool

	// LedgerTimeout bounds every ledger call.
	LedgerTimeout   time.Duration
	ReleaseAttempts int
	ReleaseBackoff  time.Duration
}

// Controller runs the admission pipeline. It is safe for concurrent use;
// all shared state lives in the ledger.
type Controller struct {
	opts     Options
	ledger   ledger.Ledger
	captcha  captcha.Verifier
	sender   Dispatcher
	recorder *Recorder
	log      *slog.Logger
}

// New returns a Controller. The ledger, verifier and dispatcher are required;
// an empty scope means ScopeBoth.
func New(l ledger.Ledger, v captcha.Verifier, d Dispatcher, opts Options, log *slog.Logger) (*Controller, error) {
	if l == nil || v == nil || d == nil {
		return nil, errors.New("admission: ledger, verifier and dispatcher are required")
	}
	switch opts.Scope {
	case "":
		opts.Scope = ScopeBoth
	case ScopeAddress, ScopeOrigin, ScopeBoth:
	default:
		return nil, fmt.Errorf("admission: unknown cooldown scope %q", opts.Scope)
	}
	if opts.AddressCooldown <= 0 || opts.OriginCooldown <= 0 {
		return nil, errors.New("admission: cooldown windows must be positive")
	}
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = 2 * time.Second
	}
	if opts.ReleaseAttempts <= 0 {
		opts.ReleaseAttempts = 3
	}
	if opts.ReleaseBackoff <= 0 {
		opts.ReleaseBackoff = 200 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		opts:     opts,
		ledger:   l,
		captcha:  v,
		sender:   d,
		recorder: NewRecorder(l, opts.LedgerTimeout),
		log:      log,
	}, nil
}

// Admit runs one request through the pipeline. It never panics and never
// returns without a Status.
func (c *Controller) Admit(ctx context.Context, req Request) (res Result) {
	state := StateReceived
	var held *ledger.Reservation

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		c.log.Error("admission panic", "panic", p, "state", state, "stack", string(debug.Stack()))
		res = c.reject(ReasonInternal, state)
		if held != nil && state == StateReserved {
			res.Rollback = c.release(ctx, held)
		}
	}()

	log := c.log.With("ip", req.ClientIP, "address", req.Address)

	if v := c.opts.Shape.Evaluate(req.heuristics()); v != nil {
		log.Info("request rejected", "reason", v.Reason, "detail", v.Detail)
		return c.reject(Reason(v.Reason), state)
	}

	to, err := address.Parse(req.Address)
	if err != nil {
		log.Info("request rejected", "reason", ReasonInvalidAddress)
		return c.reject(ReasonInvalidAddress, state)
	}
	state = StateValidated

	if v := c.opts.Heuristics.Evaluate(req.heuristics()); v != nil {
		log.Warn("request rejected", "reason", v.Reason, "detail", v.Detail, "user_agent", req.UserAgent)
		return c.reject(Reason(v.Reason), state)
	}
	state = StateHeuristicPassed

	claims, ok := c.claims(to, req.ClientIP)
	if !ok {
		log.Warn("request rejected", "reason", ReasonMissingOrigin)
		return c.reject(ReasonMissingOrigin, state)
	}

	if c.opts.CaptchaBeforeCooldown {
		if r, ok := c.verifyCaptcha(ctx, log, req, state); !ok {
			return r
		}
		state = StateCaptchaPassed
		if r, ok := c.checkCooldown(ctx, log, claims, state); !ok {
			return r
		}
		state = StateCooldownClear
	} else {
		if r, ok := c.checkCooldown(ctx, log, claims, state); !ok {
			return r
		}
		state = StateCooldownClear
		if r, ok := c.verifyCaptcha(ctx, log, req, state); !ok {
			return r
		}
		state = StateCaptchaPassed
	}

	reserveCtx, cancel := context.WithTimeout(ctx, c.opts.LedgerTimeout)
	held, err = c.ledger.Reserve(reserveCtx, claims)
	cancel()
	if err != nil {
		var reserved *ledger.ReservedError
		if errors.As(err, &reserved) {
			log.Info("request rejected", "reason", ReasonInFlight, "key", reserved.Key.String())
			return c.wait(ReasonInFlight, reserved.Remaining, state)
		}
		log.Error("reserve cooldown", "err", err)
		return c.retryLater(ReasonLedgerUnavailable, state)
	}
	state = StateReserved

	hash, err := c.sender.Send(ctx, to)
	if err != nil {
		return c.dispatchFailed(ctx, log, held, err, state)
	}
	state = StateDispatched

	res = Result{
		Status:  lookup(ReasonGranted).status,
		Message: hash.Hex(),
		Reason:  ReasonGranted,
		State:   state,
		TxHash:  hash.Hex(),
	}
	if err := c.recorder.Record(ctx, held, hash.Hex()); err != nil {
		// The transfer went out; the user still gets the hash.
		log.Error("record grant", "err", err, "tx", hash.Hex())
		return res
	}
	res.State = StateRecorded
	log.Info("faucet grant", "tx", hash.Hex())
	return res
}

func (c *Controller) claims(to common.Address, clientIP string) ([]ledger.Claim, bool) {
	var claims []ledger.Claim
	if c.opts.Scope != ScopeOrigin {
		claims = append(claims, ledger.Claim{Key: ledger.AddressKey(to.Hex()), Window: c.opts.AddressCooldown})
	}
	if c.opts.Scope != ScopeAddress {
		if clientIP == "" {
			return nil, false
		}
		claims = append(claims, ledger.Claim{Key: ledger.OriginKey(clientIP), Window: c.opts.OriginCooldown})
	}
	return claims, true
}

func (c *Controller) checkCooldown(ctx context.Context, log *slog.Logger, claims []ledger.Claim, state State) (Result, bool) {
	var longest time.Duration
	for _, claim := range claims {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.LedgerTimeout)
		left, err := c.ledger.Remaining(callCtx, claim.Key)
		cancel()
		if err != nil {
			log.Error("read cooldown", "key", claim.Key.String(), "err", err)
			return c.retryLater(ReasonLedgerUnavailable, state), false
		}
		if left > longest {
			longest = left
		}
	}
	if longest > 0 {
		log.Info("request rejected", "reason", ReasonCooldown, "remaining", longest.Round(time.Second).String())
		return c.wait(ReasonCooldown, longest, state), false
	}
	return Result{}, true
}

func (c *Controller) verifyCaptcha(ctx context.Context, log *slog.Logger, req Request, state State) (Result, bool) {
	err := c.captcha.Verify(ctx, req.CaptchaToken, req.ClientIP)
	if err == nil {
		return Result{}, true
	}
	if errors.Is(err, captcha.ErrUnavailable) {
		log.Warn("captcha unavailable", "err", err)
		return c.reject(ReasonCaptchaUnavailable, state), false
	}
	log.Info("request rejected", "reason", ReasonCaptcha, "err", err)
	return c.reject(ReasonCaptcha, state), false
}

func (c *Controller) dispatchFailed(ctx context.Context, log *slog.Logger, held *ledger.Reservation, err error, state State) Result {
	class := dispatch.Classify(err)
	var hash string
	var derr *dispatch.Error
	if errors.As(err, &derr) {
		class = derr.Class
		if derr.Hash != (common.Hash{}) {
			hash = derr.Hash.Hex()
		}
		if derr.Ambiguous() {
			log.Warn("broadcast outcome unknown, releasing cooldown", "tx", hash, "err", err)
		}
	}

	// alert marks failures an operator has to act on.
	log = log.With("class", class, "alert", class.Fatal())
	var res Result
	switch class {
	case dispatch.ClassTransient:
		log.Warn("dispatch failed", "err", err)
		res = c.retryLater(ReasonDispatchTransient, state)
	case dispatch.ClassInsufficientFunds:
		log.Error("custodial account cannot cover transfer", "err", err)
		res = c.reject(ReasonFundsExhausted, state)
	case dispatch.ClassRejected:
		log.Error("dispatch rejected", "err", err)
		res = c.reject(ReasonDispatchRejected, state)
	default:
		log.Error("dispatch failed", "err", err)
		res = c.reject(ReasonInternal, state)
	}
	res.DispatchClass = class
	res.TxHash = hash
	res.Rollback = c.release(ctx, held)
	return res
}

// release frees a reservation after a failed transfer, retrying with linear
// backoff. It runs detached from the request's cancellation so a client
// hang-up cannot leave the keys locked for a full window.
func (c *Controller) release(ctx context.Context, held *ledger.Reservation) string {
	ctx = context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 1; attempt <= c.opts.ReleaseAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.LedgerTimeout)
		err := c.ledger.Release(callCtx, held)
		cancel()
		if err == nil {
			return RollbackOK
		}
		lastErr = err
		c.log.Warn("release retry", "attempt", attempt, "err", err)
		if attempt < c.opts.ReleaseAttempts {
			time.Sleep(time.Duration(attempt) * c.opts.ReleaseBackoff)
		}
	}
	c.log.Error("release cooldown failed, keys stay locked until expiry", "token", held.Token, "err", lastErr)
	return RollbackFailed
}

func (c *Controller) reject(reason Reason, state State) Result {
	o := lookup(reason)
	return Result{Status: o.status, Message: o.message, Reason: reason, Kind: o.kind, State: state}
}

func (c *Controller) wait(reason Reason, remaining time.Duration, state State) Result {
	res := c.reject(reason, state)
	res.Message = WaitMessage(remaining)
	res.RetryAfter = remaining
	return res
}

func (c *Controller) retryLater(reason Reason, state State) Result {
	res := c.reject(reason, state)
	res.RetryAfter = transientRetryAfter
	return res
}
