package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arkiv/testnet-faucet/internal/abuse"
	"github.com/arkiv/testnet-faucet/internal/admission"
)

const (
	maxBodyBytes = 64 * 1024 // 64KB; prevents DoS from huge JSON
	authHeader   = "X-Faucet-Auth"
)

// FaucetRequest is the JSON body for POST /faucet. hcaptchaToken is the
// field name older front-ends send.
type FaucetRequest struct {
	Address       string `json:"address"`
	CaptchaToken  string `json:"captchaToken"`
	HCaptchaToken string `json:"hcaptchaToken"`
}

type faucetResponse struct {
	Message string `json:"message"`
}

type admitter interface {
	Admit(ctx context.Context, req admission.Request) admission.Result
}

type routerOptions struct {
	honeypotField  string
	forceErrorRate float64
	// trustedHops is the number of proxies in front of the service that
	// append to X-Forwarded-For. Zero ignores the header.
	trustedHops int
}

func newRouter(ctrl admitter, opts routerOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	faucet := handleFaucet(ctrl, opts)
	// All methods reach the handler so the 405 carries the JSON message.
	r.HandleFunc("/faucet", faucet)
	r.HandleFunc("/api/faucet", faucet)
	r.HandleFunc("/healthz", handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func handleFaucet(ctrl admitter, opts routerOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// FORCE_ERROR_RATE (0-1): gameday overlay injects errors to trigger burn-rate alert.
		if r.Method == http.MethodPost && opts.forceErrorRate > 0 && rand.Float64() < opts.forceErrorRate {
			writeMessage(w, http.StatusInternalServerError, "injected error (gameday)")
			return
		}

		req := admission.Request{
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			Origin:     r.Header.Get("Origin"),
			Referer:    r.Referer(),
			AuthHeader: r.Header.Get(authHeader),
			ClientIP:   clientIP(r, opts.trustedHops),
		}
		if r.Method == http.MethodPost {
			body, honeypot, err := decodeBody(w, r, opts.honeypotField)
			if err != nil {
				slog.Warn("invalid body", "err", err, "ip", req.ClientIP)
			}
			req.BodyErr = err
			req.Address = strings.TrimSpace(body.Address)
			req.CaptchaToken = body.CaptchaToken
			if req.CaptchaToken == "" {
				req.CaptchaToken = body.HCaptchaToken
			}
			req.Honeypot = honeypot
		}

		res := ctrl.Admit(r.Context(), req)
		observe(res)
		if res.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
		}
		writeMessage(w, res.Status, res.Message)
	}
}

// decodeBody reads at most maxBodyBytes and returns the request plus the
// raw honeypot value. A non-string honeypot value counts as filled in.
func decodeBody(w http.ResponseWriter, r *http.Request, honeypotField string) (FaucetRequest, string, error) {
	var req FaucetRequest
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return req, "", fmt.Errorf("%w: limit %d bytes", abuse.ErrBodyTooLarge, maxErr.Limit)
		}
		return req, "", fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, "", fmt.Errorf("invalid json: %w", err)
	}
	if honeypotField == "" {
		return req, "", nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return req, "", nil
	}
	raw, ok := fields[honeypotField]
	if !ok || string(raw) == "null" {
		return req, "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return req, string(raw), nil
	}
	return req, s, nil
}

// clientIP returns the address cooldowns are keyed on. With trustedHops > 0
// it is the X-Forwarded-For entry trustedHops places from the right, the one
// written by the outermost trusted proxy; entries left of it are
// client-supplied and ignored. True-Client-IP and X-Real-IP are never read.
// Without a usable header entry it falls back to the host part of RemoteAddr.
func clientIP(r *http.Request, trustedHops int) string {
	if trustedHops > 0 {
		var hops []string
		for _, h := range r.Header.Values("X-Forwarded-For") {
			for _, part := range strings.Split(h, ",") {
				hops = append(hops, strings.TrimSpace(part))
			}
		}
		if i := len(hops) - trustedHops; i >= 0 && i < len(hops) {
			if ip := net.ParseIP(hops[i]); ip != nil {
				return ip.String()
			}
		}
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	body, err := json.Marshal(faucetResponse{Message: message})
	if err != nil {
		slog.Error("encode response", "err", err)
		http.Error(w, `{"message":"Internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
