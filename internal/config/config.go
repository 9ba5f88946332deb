// Package config loads the faucet's settings from the environment once at
// start-up. The returned Config is never mutated afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Ledger backends.
const (
	LedgerRedis    = "redis"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Cooldown scopes.
const (
	ScopeAddress = "address"
	ScopeOrigin  = "origin"
	ScopeBoth    = "both"
)

type Config struct {
	Addr string `validate:"required"`

	Chain   ChainConfig
	Captcha CaptchaConfig
	Ledger  LedgerConfig
	Policy  PolicyConfig
	Abuse   AbuseConfig
	Monitor MonitorConfig

	// ForceErrorRate (0-1) injects 500s for gameday drills.
	ForceErrorRate float64 `validate:"gte=0,lte=1"`
}

type ChainConfig struct {
	RPCURL     string `validate:"required,url"`
	PrivateKey string `validate:"required"`
	// ChainID of zero means ask the node.
	ChainID uint64
	// Amount in ether, e.g. "0.1".
	Amount           string `validate:"required"`
	GasLimitFallback uint64 `validate:"gte=21000"`
	GasTipFallback   string `validate:"required"`
	GasPriceFallback string `validate:"required"`
	RPCTimeout       time.Duration `validate:"gt=0"`
}

type CaptchaConfig struct {
	Secret    string `validate:"required"`
	VerifyURL string `validate:"omitempty,url"`
	Timeout   time.Duration `validate:"gt=0"`
}

type LedgerConfig struct {
	Backend     string `validate:"oneof=redis postgres memory"`
	RedisURL    string `validate:"required_if=Backend redis"`
	DatabaseURL string `validate:"required_if=Backend postgres"`
	Timeout     time.Duration `validate:"gt=0"`
}

type PolicyConfig struct {
	AddressCooldown time.Duration `validate:"gt=0"`
	OriginCooldown  time.Duration `validate:"gt=0"`
	Scope           string        `validate:"oneof=address origin both"`
	// CaptchaBeforeCooldown verifies the captcha before reading the ledger.
	CaptchaBeforeCooldown bool
}

type AbuseConfig struct {
	AllowedOrigin     string `validate:"omitempty,url"`
	AgentMinLength    int    `validate:"gte=0"`
	AgentDenyList     []string
	HoneypotField     string
	SharedSecret      string
	// TrustProxyHeaders takes the client IP from X-Forwarded-For, counting
	// TrustedProxyHops entries from the right. Off by default: the header is
	// client-controlled unless every hop in front of the service appends to it.
	TrustProxyHeaders bool
	TrustedProxyHops  int `validate:"gte=1"`
}

type MonitorConfig struct {
	Interval time.Duration
	// LowBalance in ether; empty disables the warning.
	LowBalance string
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env.
func FromEnv() (Config, error) {
	var errs []error
	intEnv := func(key string, fallback int) int {
		n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return n
	}
	uintEnv := func(key string, fallback uint64) uint64 {
		n, err := strconv.ParseUint(getEnv(key, strconv.FormatUint(fallback, 10)), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return n
	}
	boolEnv := func(key string, fallback bool) bool {
		b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return b
	}
	floatEnv := func(key string, fallback float64) float64 {
		f, err := strconv.ParseFloat(getEnv(key, strconv.FormatFloat(fallback, 'f', -1, 64)), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return f
	}

	cfg := Config{
		Addr: listenAddr(os.Getenv("PORT")),
		Chain: ChainConfig{
			RPCURL:           getEnv("RPC_URL", ""),
			PrivateKey:       getEnv("PRIVATE_KEY", ""),
			ChainID:          uintEnv("CHAIN_ID", 0),
			Amount:           getEnv("VALUE", "0.1"),
			GasLimitFallback: uintEnv("GAS_LIMIT_FALLBACK", 21000),
			GasTipFallback:   getEnv("GAS_TIP_FALLBACK_GWEI", "1"),
			GasPriceFallback: getEnv("GAS_PRICE_FALLBACK_GWEI", "20"),
			RPCTimeout:       time.Duration(intEnv("RPC_TIMEOUT_MS", 10000)) * time.Millisecond,
		},
		Captcha: CaptchaConfig{
			Secret:    getEnv("HCAPTCHA_SECRET", ""),
			VerifyURL: getEnv("HCAPTCHA_VERIFY_URL", ""),
			Timeout:   time.Duration(intEnv("CAPTCHA_TIMEOUT_MS", 5000)) * time.Millisecond,
		},
		Ledger: LedgerConfig{
			Backend:     strings.ToLower(getEnv("LEDGER_BACKEND", LedgerRedis)),
			RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
			Timeout:     time.Duration(intEnv("LEDGER_TIMEOUT_MS", 2000)) * time.Millisecond,
		},
		Policy: PolicyConfig{
			AddressCooldown:       time.Duration(intEnv("COOLDOWN_HOURS", 24)) * time.Hour,
			OriginCooldown:        time.Duration(intEnv("IP_COOLDOWN_SECONDS", 86400)) * time.Second,
			Scope:                 strings.ToLower(getEnv("COOLDOWN_SCOPE", ScopeBoth)),
			CaptchaBeforeCooldown: boolEnv("CAPTCHA_BEFORE_COOLDOWN", false),
		},
		Abuse: AbuseConfig{
			AllowedOrigin:     getEnv("ALLOWED_ORIGIN", getEnv("NEXT_PUBLIC_SITE_URL", "")),
			AgentMinLength:    intEnv("USER_AGENT_MIN_LENGTH", 10),
			AgentDenyList:     splitList(getEnv("USER_AGENT_DENYLIST", "")),
			HoneypotField:     getEnv("HONEYPOT_FIELD", "website"),
			SharedSecret:      getEnv("FAUCET_SHARED_SECRET", getEnv("FAUCET_SECRET", "")),
			TrustProxyHeaders: boolEnv("TRUST_PROXY_HEADERS", false),
			TrustedProxyHops:  intEnv("TRUSTED_PROXY_HOPS", 1),
		},
		Monitor: MonitorConfig{
			Interval:   time.Duration(intEnv("BALANCE_POLL_INTERVAL_SEC", 60)) * time.Second,
			LowBalance: getEnv("LOW_BALANCE_ETHER", ""),
		},
		ForceErrorRate: floatEnv("FORCE_ERROR_RATE", 0),
	}
	if len(errs) > 0 {
		return Config{}, errs[0]
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports the first few violations by
// environment-facing field name.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// listenAddr accepts PORT=8080 or PORT=:8080.
func listenAddr(port string) string {
	port = strings.TrimPrefix(strings.TrimSpace(port), ":")
	if port == "" {
		return ":8080"
	}
	return ":" + port
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
