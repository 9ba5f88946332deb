package admission

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/arkiv/testnet-faucet/internal/abuse"
)

// Kind groups reasons by how they should be treated.
type Kind string

const (
	KindNone           Kind = ""
	KindInvalidInput   Kind = "invalid_input"
	KindAbuseSuspected Kind = "abuse_suspected"
	KindRateLimited    Kind = "rate_limited"
	KindTransient      Kind = "transient"
	KindFatal          Kind = "fatal"
	KindInternal       Kind = "internal"
)

// Reason is the machine-readable outcome of an admission.
type Reason string

const (
	ReasonGranted Reason = "granted"

	ReasonMethod        = Reason(abuse.ReasonMethod)
	ReasonMalformedBody = Reason(abuse.ReasonMalformedBody)
	ReasonBodyTooLarge  = Reason(abuse.ReasonBodyTooLarge)
	ReasonAgent         = Reason(abuse.ReasonAgent)
	ReasonOrigin        = Reason(abuse.ReasonOrigin)
	ReasonHoneypot      = Reason(abuse.ReasonHoneypot)
	ReasonSharedSecret  = Reason(abuse.ReasonSharedSecret)

	ReasonInvalidAddress     Reason = "invalid_address"
	ReasonMissingOrigin      Reason = "missing_origin"
	ReasonCooldown           Reason = "cooldown"
	ReasonInFlight           Reason = "in_flight"
	ReasonCaptcha            Reason = "captcha_rejected"
	ReasonCaptchaUnavailable Reason = "captcha_unavailable"
	ReasonLedgerUnavailable  Reason = "ledger_unavailable"
	ReasonDispatchTransient  Reason = "dispatch_transient"
	ReasonFundsExhausted     Reason = "funds_exhausted"
	ReasonDispatchRejected   Reason = "dispatch_rejected"
	ReasonInternal           Reason = "internal"
)

type outcome struct {
	kind    Kind
	status  int
	message string
}

// outcomes is the only place reasons become HTTP statuses and user-facing
// messages. Cooldown messages are composed per request from the wait time.
var outcomes = map[Reason]outcome{
	ReasonGranted: {KindNone, http.StatusOK, ""},

	ReasonMethod:         {KindInvalidInput, http.StatusMethodNotAllowed, "Method not allowed."},
	ReasonMalformedBody:  {KindInvalidInput, http.StatusBadRequest, "Invalid request body"},
	ReasonBodyTooLarge:   {KindInvalidInput, http.StatusRequestEntityTooLarge, "Request body too large"},
	ReasonInvalidAddress: {KindInvalidInput, http.StatusBadRequest, "Invalid Address"},
	ReasonMissingOrigin:  {KindInvalidInput, http.StatusBadRequest, "Unable to determine client address"},

	ReasonAgent:        {KindAbuseSuspected, http.StatusForbidden, "Forbidden: Suspicious agent."},
	ReasonOrigin:       {KindAbuseSuspected, http.StatusForbidden, "Forbidden: Invalid origin."},
	ReasonHoneypot:     {KindAbuseSuspected, http.StatusForbidden, "Forbidden"},
	ReasonSharedSecret: {KindAbuseSuspected, http.StatusForbidden, "Forbidden"},

	ReasonCaptcha:            {KindAbuseSuspected, http.StatusUnauthorized, "Invalid Captcha"},
	ReasonCaptchaUnavailable: {KindAbuseSuspected, http.StatusUnauthorized, "Invalid Captcha"},

	ReasonCooldown: {KindRateLimited, http.StatusTooManyRequests, ""},
	ReasonInFlight: {KindRateLimited, http.StatusTooManyRequests, ""},

	ReasonLedgerUnavailable: {KindTransient, http.StatusServiceUnavailable, "Service temporarily unavailable, please try again shortly"},
	ReasonDispatchTransient: {KindTransient, http.StatusServiceUnavailable, "The faucet is busy, please try again shortly"},
	ReasonFundsExhausted:    {KindFatal, http.StatusInternalServerError, "The faucet is temporarily out of funds"},
	ReasonDispatchRejected:  {KindFatal, http.StatusBadRequest, "Unable to send transaction"},

	ReasonInternal: {KindInternal, http.StatusInternalServerError, "Internal server error"},
}

func lookup(r Reason) outcome {
	if o, ok := outcomes[r]; ok {
		return o
	}
	return outcomes[ReasonInternal]
}

// WaitMessage renders a remaining cooldown, rounded up to whole hours when
// at least an hour is left and to whole minutes otherwise.
func WaitMessage(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("Please wait %s before requesting again", plural(ceilUnits(d, time.Hour), "hour"))
	}
	return fmt.Sprintf("Please wait %s before requesting again", plural(ceilUnits(d, time.Minute), "minute"))
}

func ceilUnits(d, unit time.Duration) int64 {
	n := int64(math.Ceil(float64(d) / float64(unit)))
	if n < 1 {
		n = 1
	}
	return n
}

func plural(n int64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
