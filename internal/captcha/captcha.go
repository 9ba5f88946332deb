// Package captcha verifies client-submitted human verification tokens
// against an hCaptcha compatible siteverify endpoint.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultVerifyURL is the hCaptcha siteverify endpoint.
const DefaultVerifyURL = "https://api.hcaptcha.com/siteverify"

var (
	// ErrRejected means the oracle answered and did not accept the token.
	ErrRejected = errors.New("captcha rejected")
	// ErrUnavailable means the oracle could not be reached or answered garbage.
	ErrUnavailable = errors.New("captcha oracle unavailable")
)

// Verifier checks a proof token. Implementations make a single attempt.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// HCaptcha calls the siteverify endpoint with a form POST.
type HCaptcha struct {
	secret    string
	verifyURL string
	client    *http.Client
}

// NewHCaptcha builds a verifier. An empty verifyURL selects DefaultVerifyURL.
func NewHCaptcha(secret, verifyURL string, timeout time.Duration) *HCaptcha {
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	return &HCaptcha{
		secret:    secret,
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: timeout},
	}
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify returns nil when the oracle accepts the token, an error wrapping
// ErrRejected when it does not, and one wrapping ErrUnavailable otherwise.
func (h *HCaptcha) Verify(ctx context.Context, token, remoteIP string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: empty token", ErrRejected)
	}
	form := url.Values{}
	form.Set("secret", h.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	}

	var result siteverifyResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 64*1024)).Decode(&result); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", ErrRejected, strings.Join(result.ErrorCodes, ","))
	}
	return nil
}
