package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/rpc"
)

// Class is the operational meaning of a dispatch failure.
type Class string

const (
	// ClassTransient failures may succeed if the caller tries again later:
	// nonce races, pool congestion, timeouts, unreachable node.
	ClassTransient Class = "transient"
	// ClassInsufficientFunds means the custodial account is drained.
	ClassInsufficientFunds Class = "insufficient_funds"
	// ClassRejected means the node refused the transaction as invalid.
	ClassRejected Class = "rejected"
	ClassUnknown  Class = "unknown"
)

// Fatal reports whether the failure needs operator attention.
func (c Class) Fatal() bool {
	return c == ClassInsufficientFunds || c == ClassRejected
}

// Step names where in the dispatch a failure happened.
type Step string

const (
	StepNonce     Step = "nonce"
	StepSign      Step = "sign"
	StepBroadcast Step = "broadcast"
)

// Error is returned by Dispatcher.Send.
type Error struct {
	Class Class
	Step  Step
	// Hash is set when the transaction was signed before the failure.
	Hash common.Hash
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch %s (%s): %v", e.Step, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Ambiguous reports whether the transaction may have reached the mempool
// despite the error.
func (e *Error) Ambiguous() bool {
	return e.Step == StepBroadcast && e.Class == ClassTransient && isTimeout(e.Err)
}

// Errors crossing JSON-RPC lose their identity, so matching is done on the
// node's message text. Order matters: "replacement transaction underpriced"
// must match before "transaction underpriced".
var classPatterns = []struct {
	msg   string
	class Class
}{
	{core.ErrNonceTooLow.Error(), ClassTransient},
	{core.ErrNonceTooHigh.Error(), ClassTransient},
	{txpool.ErrReplaceUnderpriced.Error(), ClassTransient},
	{txpool.ErrAlreadyKnown.Error(), ClassTransient},
	{"account limit exceeded", ClassTransient},
	{"txpool is full", ClassTransient},
	{core.ErrInsufficientFunds.Error(), ClassInsufficientFunds},
	{core.ErrInsufficientFundsForTransfer.Error(), ClassInsufficientFunds},
	{"insufficient funds", ClassInsufficientFunds},
	{core.ErrIntrinsicGas.Error(), ClassRejected},
	{core.ErrFeeCapTooLow.Error(), ClassRejected},
	{core.ErrTipAboveFeeCap.Error(), ClassRejected},
	{txpool.ErrUnderpriced.Error(), ClassRejected},
	{txpool.ErrNegativeValue.Error(), ClassRejected},
	{txpool.ErrOversizedData.Error(), ClassRejected},
	{txpool.ErrInvalidSender.Error(), ClassRejected},
	{txpool.ErrGasLimit.Error(), ClassRejected},
	{"invalid chain id", ClassRejected},
}

// Classify maps a node or transport error to a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	if isTimeout(err) || isConnection(err) {
		return ClassTransient
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return ClassTransient
		}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range classPatterns {
		if strings.Contains(msg, strings.ToLower(p.msg)) {
			return p.class
		}
	}
	return ClassUnknown
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnection(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// methodNotFound is the JSON-RPC 2.0 code for an unknown method.
const methodNotFound = -32601

// isUnsupported reports whether the node rejected the call because it does
// not implement the method.
func isUnsupported(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == methodNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "method not found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "not available")
}
