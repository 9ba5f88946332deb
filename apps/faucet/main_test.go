package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arkiv/testnet-faucet/internal/abuse"
	"github.com/arkiv/testnet-faucet/internal/admission"
	"github.com/arkiv/testnet-faucet/internal/captcha"
	"github.com/arkiv/testnet-faucet/internal/config"
	"github.com/arkiv/testnet-faucet/internal/ledger"
)

const (
	testWallet = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	browserUA  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) Safari/605.1.15"
	goodToken  = "P1_eyJ0eXAiOiJKV1QiLCJhbGciOiJIUzI1NiJ9"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

type stubVerifier struct{ calls atomic.Int32 }

func (s *stubVerifier) Verify(_ context.Context, token, _ string) error {
	s.calls.Add(1)
	if token != goodToken {
		return captcha.ErrRejected
	}
	return nil
}

type stubSender struct {
	calls atomic.Int32
	err   error
}

func (s *stubSender) Send(_ context.Context, to common.Address) (common.Hash, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return common.Hash{}, s.err
	}
	return common.BigToHash(new(big.Int).Add(to.Big(), big.NewInt(int64(n)))), nil
}

type testServer struct {
	handler  http.Handler
	verifier *stubVerifier
	sender   *stubSender
}

func newTestServer(t *testing.T, opts routerOptions) *testServer {
	t.Helper()
	ts := &testServer{verifier: &stubVerifier{}, sender: &stubSender{}}
	ctrl, err := admission.New(ledger.NewMemory(), ts.verifier, ts.sender, admission.Options{
		Shape:           abuse.Policy{abuse.Method(), abuse.Body()},
		Heuristics:      abuse.Policy{abuse.SharedSecret(""), abuse.Agent(10, abuse.DefaultAgentDenyList), abuse.Honeypot()},
		Scope:           admission.ScopeBoth,
		AddressCooldown: 24 * time.Hour,
		OriginCooldown:  24 * time.Hour,
		LedgerTimeout:   time.Second,
		ReleaseBackoff:  time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("admission.New: %v", err)
	}
	if opts.honeypotField == "" {
		opts.honeypotField = "website"
	}
	ts.handler = newRouter(ctrl, opts)
	return ts
}

func (ts *testServer) post(path, body, remoteAddr string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.RemoteAddr = remoteAddr
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", browserUA)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func faucetBody(addr string) string {
	return `{"address":"` + addr + `","captchaToken":"` + goodToken + `"}`
}

func message(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp faucetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp.Message
}

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"}, {299, "2xx"}, {302, "3xx"}, {404, "4xx"}, {429, "4xx"}, {500, "5xx"}, {100, "unknown"},
	}
	for _, tt := range tests {
		if got := statusLabel(tt.code); got != tt.want {
			t.Errorf("statusLabel(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestHandleHealthz(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handleHealthz(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Error("body should contain ok")
	}

	req = httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec = httptest.NewRecorder()
	handleHealthz(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, routerOptions{})
	ts.post("/faucet", faucetBody("not-an-address"), "10.0.0.1:1234", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"faucet_admission_total", `path="/faucet"`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestHandleFaucet(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		rec := ts.post("/faucet", faucetBody(testWallet), "1.2.3.4:1234", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("success = %d (%s), want 200", rec.Code, rec.Body)
		}
		if msg := message(t, rec); !txHashPattern.MatchString(msg) {
			t.Errorf("message = %q, want tx hash", msg)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
	})

	t.Run("immediate retry", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		ts.post("/faucet", faucetBody(testWallet), "1.2.3.4:1234", nil)
		rec := ts.post("/faucet", faucetBody(testWallet), "1.2.3.4:1234", nil)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("retry = %d, want 429", rec.Code)
		}
		if msg := message(t, rec); msg != "Please wait 24 hours before requesting again" {
			t.Errorf("message = %q", msg)
		}
		secs, err := strconv.Atoi(rec.Header().Get("Retry-After"))
		if err != nil || secs < 86390 || secs > 86400 {
			t.Errorf("Retry-After = %q, want about a day", rec.Header().Get("Retry-After"))
		}
		if n := ts.sender.calls.Load(); n != 1 {
			t.Errorf("sender calls = %d, want 1", n)
		}
	})

	t.Run("not an address", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		rec := ts.post("/faucet", faucetBody("not-an-address"), "2.3.4.5:1234", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("invalid address = %d, want 400", rec.Code)
		}
		if msg := message(t, rec); msg != "Invalid Address" {
			t.Errorf("message = %q", msg)
		}
		if ts.verifier.calls.Load() != 0 || ts.sender.calls.Load() != 0 {
			t.Error("no external call expected for an invalid address")
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		rec := ts.post("/faucet", `{`, "2.3.4.5:1234", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("invalid JSON = %d, want 400", rec.Code)
		}
	})

	t.Run("empty address", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		rec := ts.post("/faucet", `{"address":""}`, "3.4.5.6:1234", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("empty address = %d, want 400", rec.Code)
		}
	})

	t.Run("missing captcha", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		rec := ts.post("/faucet", `{"address":"`+testWallet+`"}`, "3.4.5.6:1234", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("missing captcha = %d, want 401", rec.Code)
		}
		if msg := message(t, rec); msg != "Invalid Captcha" {
			t.Errorf("message = %q", msg)
		}
	})

	t.Run("legacy hcaptchaToken field", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		rec := ts.post("/faucet", `{"address":"`+testWallet+`","hcaptchaToken":"`+goodToken+`"}`, "3.4.5.6:1234", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("legacy field = %d, want 200", rec.Code)
		}
	})

	t.Run("api alias", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		rec := ts.post("/api/faucet", faucetBody(testWallet), "4.4.4.4:1234", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("/api/faucet = %d, want 200", rec.Code)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		req := httptest.NewRequest(http.MethodGet, "/faucet", nil)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET = %d, want 405", rec.Code)
		}
		if msg := message(t, rec); msg != "Method not allowed." {
			t.Errorf("message = %q", msg)
		}
	})

	t.Run("suspicious agent", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		rec := ts.post("/faucet", faucetBody(testWallet), "5.5.5.5:1234", func(r *http.Request) {
			r.Header.Set("User-Agent", "python-requests/2.32.3")
		})
		if rec.Code != http.StatusForbidden {
			t.Errorf("python agent = %d, want 403", rec.Code)
		}
	})

	t.Run("honeypot", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		body := `{"address":"` + testWallet + `","captchaToken":"` + goodToken + `","website":"http://spam.example"}`
		rec := ts.post("/faucet", body, "5.5.5.6:1234", nil)
		if rec.Code != http.StatusForbidden {
			t.Errorf("honeypot = %d, want 403", rec.Code)
		}
	})

	t.Run("X-Forwarded-For malformed", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{trustedHops: 1})
		rec := ts.post("/faucet", faucetBody(testWallet), "5.5.5.5:1234", func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", "garbage") // not an IP: fall back to RemoteAddr
		})
		if rec.Code != http.StatusOK {
			t.Errorf("malformed X-Forwarded-For = %d, want 200 (uses RemoteAddr)", rec.Code)
		}
	})

	t.Run("X-Forwarded-For shares origin cooldown", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{trustedHops: 1})
		first := ts.post("/faucet", faucetBody(testWallet), "10.0.0.1:1234", func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", "203.0.113.50, 198.51.100.4")
		})
		if first.Code != http.StatusOK {
			t.Fatalf("first = %d", first.Code)
		}
		// A different client-written prefix does not change the proxy-written entry.
		second := ts.post("/faucet", faucetBody("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"), "10.0.0.2:1234", func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", "192.0.2.77, 198.51.100.4")
		})
		if second.Code != http.StatusTooManyRequests {
			t.Errorf("same forwarded origin = %d, want 429", second.Code)
		}
	})

	t.Run("client IP headers do not mint new origins", func(t *testing.T) {
		wallets := []string{
			testWallet,
			"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
			"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		}
		for _, hops := range []int{0, 1} {
			ts := newTestServer(t, routerOptions{trustedHops: hops})
			for i, w := range wallets {
				rec := ts.post("/faucet", faucetBody(w), "10.0.0.1:1234", func(r *http.Request) {
					r.Header.Set("X-Forwarded-For", "203.0.113.9")
					r.Header.Set("True-Client-IP", "192.0.2."+strconv.Itoa(i+1))
					r.Header.Set("X-Real-IP", "198.51.100."+strconv.Itoa(i+1))
				})
				want := http.StatusTooManyRequests
				if i == 0 {
					want = http.StatusOK
				}
				if rec.Code != want {
					t.Errorf("hops=%d request %d = %d, want %d", hops, i, rec.Code, want)
				}
			}
			if n := ts.sender.calls.Load(); n != 1 {
				t.Errorf("hops=%d: dispatches from one client = %d, want 1", hops, n)
			}
		}
	})

	t.Run("FORCE_ERROR_RATE injects 500", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{forceErrorRate: 1.0})
		rec := ts.post("/faucet", faucetBody(testWallet), "8.8.8.8:1234", nil)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("FORCE_ERROR_RATE=1.0 = %d, want 500", rec.Code)
		}
		if ts.sender.calls.Load() != 0 {
			t.Error("injected error must not dispatch")
		}
	})

	t.Run("body too large", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		largeBody := strings.Repeat("x", 65*1024) // 65KB exceeds 64KB limit
		rec := ts.post("/faucet", largeBody, "7.7.7.7:1234", nil)
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("body too large = %d, want 413", rec.Code)
		}
	})

	t.Run("dispatch failure frees the wallet", func(t *testing.T) {
		ts := newTestServer(t, routerOptions{})
		ts.sender.err = fmt.Errorf("dial tcp 127.0.0.1:8545: %w", syscall.ECONNREFUSED)
		rec := ts.post("/faucet", faucetBody(testWallet), "6.6.6.6:1234", nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("dispatch failure = %d, want 503", rec.Code)
		}
		ts.sender.err = nil
		rec = ts.post("/faucet", faucetBody(testWallet), "6.6.6.6:1234", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("retry after failure = %d, want 200", rec.Code)
		}
	})
}

func TestDecodeBody_Honeypot(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"address":"0x1"}`, ""},
		{`{"address":"0x1","website":""}`, ""},
		{`{"address":"0x1","website":null}`, ""},
		{`{"address":"0x1","website":"x"}`, "x"},
		{`{"address":"0x1","website":1}`, "1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/faucet", strings.NewReader(tt.body))
		_, got, err := decodeBody(httptest.NewRecorder(), req, "website")
		if err != nil {
			t.Errorf("decodeBody(%s): %v", tt.body, err)
			continue
		}
		if got != tt.want {
			t.Errorf("decodeBody(%s) honeypot = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    []string
		hops   int
		want   string
	}{
		{"remote addr", "1.2.3.4:1234", nil, 0, "1.2.3.4"},
		{"ipv6 remote addr", "[2001:db8::1]:443", nil, 0, "2001:db8::1"},
		{"remote addr without port", "1.2.3.4", nil, 0, "1.2.3.4"},
		{"empty", "", nil, 0, ""},
		{"header ignored when untrusted", "10.0.0.1:1234", []string{"203.0.113.9"}, 0, "10.0.0.1"},
		{"one hop takes rightmost", "10.0.0.1:1234", []string{"6.6.6.6, 203.0.113.9"}, 1, "203.0.113.9"},
		{"two hops", "10.0.0.1:1234", []string{"6.6.6.6, 203.0.113.9, 10.0.0.5"}, 2, "203.0.113.9"},
		{"repeated headers", "10.0.0.1:1234", []string{"6.6.6.6", "203.0.113.9"}, 1, "203.0.113.9"},
		{"fewer entries than hops", "10.0.0.1:1234", []string{"203.0.113.9"}, 2, "10.0.0.1"},
		{"no header", "10.0.0.1:1234", nil, 1, "10.0.0.1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/faucet", nil)
		req.RemoteAddr = tt.remote
		for _, v := range tt.xff {
			req.Header.Add("X-Forwarded-For", v)
		}
		req.Header.Set("True-Client-IP", "192.0.2.200")
		req.Header.Set("X-Real-IP", "192.0.2.201")
		if got := clientIP(req, tt.hops); got != tt.want {
			t.Errorf("%s: clientIP = %q, want %q", tt.name, got, tt.want)
		}
	}
}

type stubBalance struct {
	bal *big.Int
	err error
}

func (s stubBalance) From() common.Address { return common.HexToAddress(testWallet) }

func (s stubBalance) Balance(context.Context) (*big.Int, error) { return s.bal, s.err }

func TestCheckBalance(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	low, err := lowBalance(config.MonitorConfig{LowBalance: "1"})
	if err != nil {
		t.Fatal(err)
	}
	oneEth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	checkBalance(context.Background(), stubBalance{bal: new(big.Int).Mul(oneEth, big.NewInt(5))}, low, log)
	if got := testutil.ToFloat64(custodialBalance); got != 5e18 {
		t.Errorf("balance gauge = %v, want 5e18", got)
	}
	if strings.Contains(logs.String(), "custodial balance low") {
		t.Error("5 ETH should not be low")
	}

	checkBalance(context.Background(), stubBalance{bal: big.NewInt(1)}, low, log)
	if !strings.Contains(logs.String(), "custodial balance low") {
		t.Error("1 wei should be low")
	}

	logs.Reset()
	errorsBefore := testutil.ToFloat64(balanceChecks.WithLabelValues("error"))
	checkBalance(context.Background(), stubBalance{err: errors.New("rpc down")}, low, log)
	if got := testutil.ToFloat64(balanceChecks.WithLabelValues("error")); got != errorsBefore+1 {
		t.Errorf("error checks = %v, want %v", got, errorsBefore+1)
	}
	if strings.Contains(logs.String(), "custodial balance low") {
		t.Error("failed check should not report low")
	}

	checkBalance(context.Background(), stubBalance{bal: big.NewInt(1)}, nil, log)
	if strings.Contains(logs.String(), "custodial balance low") {
		t.Error("no threshold means never low")
	}
	if _, err := lowBalance(config.MonitorConfig{LowBalance: "lots"}); err == nil {
		t.Error("expected error for non-numeric threshold")
	}
}

func TestPrintLimits(t *testing.T) {
	cfg := config.Config{
		Chain:  config.ChainConfig{Amount: "0.1"},
		Ledger: config.LedgerConfig{Backend: config.LedgerRedis},
		Policy: config.PolicyConfig{
			AddressCooldown: 24 * time.Hour,
			OriginCooldown:  time.Hour,
			Scope:           config.ScopeBoth,
		},
	}
	var buf bytes.Buffer
	if err := printLimits(&buf, cfg); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"0.1 ETH", "24h0m0s", "1h0m0s", "cooldown, then captcha", "redis"} {
		if !strings.Contains(out, want) {
			t.Errorf("limits output missing %q:\n%s", want, out)
		}
	}

	cfg.Policy.Scope = config.ScopeAddress
	buf.Reset()
	printLimits(&buf, cfg)
	if strings.Contains(buf.String(), "origin cooldown") {
		t.Error("address scope should not print the origin window")
	}
}
