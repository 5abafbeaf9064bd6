package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Default NetValve endpoints per environment. All of them can be overridden
// from the environment (see Load).
const (
	SandboxPaymentAPIURL    = "https://payment-api.uat.sandbox-netvalve.com"
	ProductionPaymentAPIURL = "https://api.netvalve.com"

	SandboxBackofficeURL    = "https://backoffice-api.uat.sandbox-netvalve.com"
	ProductionBackofficeURL = "https://backoffice-api.netvalve.com"

	SandboxHPPBaseURL    = "https://hpp-api.uat.sandbox-netvalve.com"
	ProductionHPPBaseURL = "https://hpp-api.netvalve.com"

	// Known-good sandbox HPF bundle, used as the last waterfall step when no
	// explicit fallback script is configured.
	SandboxFallbackHPFScriptSrc = "https://tokenfield.uat.sandbox-netvalve.com/sdk/index.DUbZDKWj.js"
)

// Config is the immutable configuration injected into the gateway client and
// the session waterfall controller. It is built once at startup and never
// read from ambient process state afterwards.
type Config struct {
	Environment string // "sandbox" or "production"

	APIKey   string
	ClientID string
	SiteID   string

	// Currency-routed merchant IDs.
	MIDEUR string
	MIDUSD string
	MIDPHP string

	PaymentAPIURL string
	BackofficeURL string
	HPPBaseURL    string

	BackofficeUsername string
	BackofficePassword string

	// HPF static overrides and fallback.
	HPFScriptSrc         string
	HPFScriptIntegrity   string
	HPFFallbackScriptSrc string

	// HPP settings.
	HPPDirectURL  string
	HPPOrderHost  string
	HPPOrderPath  string
	HPPMode       string
	ReturnBaseURL string

	// CallTimeout bounds a single gateway operation. StepTimeout bounds one
	// waterfall step and must stay shorter than any caller-level timeout.
	CallTimeout time.Duration
	StepTimeout time.Duration
}

// Load builds a Config from the environment, resolving URL defaults for the
// selected NetValve environment.
func Load() *Config {
	env := strings.ToLower(getenv("NETVALVE_ENVIRONMENT", "production"))
	sandbox := env == "sandbox"

	cfg := &Config{
		Environment: env,

		APIKey:   strings.TrimSpace(os.Getenv("NETVALVE_API_KEY")),
		ClientID: strings.TrimSpace(os.Getenv("NETVALVE_CLIENT_ID")),
		SiteID:   strings.TrimSpace(os.Getenv("NETVALVE_SITE_ID")),

		MIDEUR: strings.TrimSpace(os.Getenv("NETVALVE_MID_ID_EUR")),
		MIDUSD: strings.TrimSpace(os.Getenv("NETVALVE_MID_ID_USD")),
		MIDPHP: strings.TrimSpace(os.Getenv("NETVALVE_MID_ID_PHP")),

		BackofficeUsername: strings.TrimSpace(os.Getenv("NETVALVE_BASIC_AUTH_USERNAME")),
		BackofficePassword: strings.TrimSpace(os.Getenv("NETVALVE_BASIC_AUTH_PASSWORD")),

		HPFScriptSrc:         strings.TrimSpace(os.Getenv("NETVALVE_HPF_SCRIPT_SRC")),
		HPFScriptIntegrity:   strings.TrimSpace(os.Getenv("NETVALVE_HPF_SCRIPT_INTEGRITY")),
		HPFFallbackScriptSrc: strings.TrimSpace(os.Getenv("NETVALVE_HPF_SCRIPT_FALLBACK_SRC")),

		HPPDirectURL:  strings.TrimSpace(os.Getenv("NETVALVE_HPP_DIRECT_URL")),
		HPPOrderHost:  strings.TrimSpace(os.Getenv("NETVALVE_HPP_ORDER_HOST")),
		HPPOrderPath:  strings.TrimSpace(os.Getenv("NETVALVE_HPP_ORDER_PATH")),
		HPPMode:       getenv("NETVALVE_HPP_MODE", "SALE"),
		ReturnBaseURL: getenv("NETVALVE_RETURN_BASE_URL", "http://localhost:8080"),

		CallTimeout: durationEnv("NETVALVE_CALL_TIMEOUT_SECONDS", 30*time.Second),
		StepTimeout: durationEnv("NETVALVE_STEP_TIMEOUT_SECONDS", 10*time.Second),
	}

	cfg.PaymentAPIURL = firstNonEmpty(
		os.Getenv("NETVALVE_PAYMENT_API_URL"),
		os.Getenv("NETVALVE_BASE_URL"),
		pick(sandbox, SandboxPaymentAPIURL, ProductionPaymentAPIURL),
	)
	cfg.BackofficeURL = firstNonEmpty(
		os.Getenv("NETVALVE_BACKOFFICE_API_URL"),
		pick(sandbox, SandboxBackofficeURL, ProductionBackofficeURL),
	)
	cfg.HPPBaseURL = firstNonEmpty(
		os.Getenv("NETVALVE_HPP_BASE_URL"),
		pick(sandbox, SandboxHPPBaseURL, ProductionHPPBaseURL),
	)

	if cfg.HPFFallbackScriptSrc == "" && sandbox {
		cfg.HPFFallbackScriptSrc = SandboxFallbackHPFScriptSrc
	}

	return cfg
}

// IsSandbox reports whether the sandbox environment is selected.
func (c *Config) IsSandbox() bool { return c.Environment == "sandbox" }

// MIDFor returns the merchant ID routed for the given currency. Unknown
// currencies fall back to the first configured MID in USD, EUR, PHP order.
func (c *Config) MIDFor(currency string) string {
	switch strings.ToUpper(currency) {
	case "EUR":
		return c.MIDEUR
	case "USD":
		return c.MIDUSD
	case "PHP":
		return c.MIDPHP
	default:
		return c.DefaultMID()
	}
}

// DefaultMID returns the fallback merchant ID used when no currency-specific
// route exists.
func (c *Config) DefaultMID() string {
	return firstNonEmpty(c.MIDUSD, c.MIDEUR, c.MIDPHP)
}

// --- helpers ---

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}
