package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultHTTPAddr = ":8080"

const (
	defaultDBDriver = "sqlite"
	defaultDBDSN    = "engine.db"

	defaultPlatformAccountID = "platform"

	defaultProviderRate        = "0.55"
	defaultCallPrice           = "1.00"
	defaultChatPrice           = "0.10"
	defaultChatPriceMin        = "0.01"
	defaultChatPriceMax        = "5.00"
	defaultLowBalanceThreshold = "5.00"

	defaultBillingInterval          = 60 * time.Second
	defaultMonitorInterval          = 60 * time.Second
	defaultBalanceBroadcastInterval = 10 * time.Second
	defaultGhostTickThreshold       = 2
	defaultRejoinBuffer             = 5 * time.Minute
)

type Config struct {
	HTTPAddr string
	DBDriver string
	DBDSN    string

	// PlatformAccountID is the ledger account credited with the
	// platform's share of every charge.
	PlatformAccountID string

	ProviderRate        decimal.Decimal
	DefaultCallPrice    decimal.Decimal
	DefaultChatPrice    decimal.Decimal
	ChatPriceMin        decimal.Decimal
	ChatPriceMax        decimal.Decimal
	LowBalanceThreshold decimal.Decimal

	BillingInterval          time.Duration
	MonitorInterval          time.Duration
	BalanceBroadcastInterval time.Duration
	GhostTickThreshold       int
	RejoinBuffer             time.Duration

	WebhookURLs []string
}

func FromEnv() Config {
	return Config{
		HTTPAddr:          stringEnv("ENGINE_HTTP_ADDR", defaultHTTPAddr),
		DBDriver:          strings.ToLower(stringEnv("ENGINE_DB_DRIVER", defaultDBDriver)),
		DBDSN:             stringEnv("ENGINE_DB_DSN", defaultDBDSN),
		PlatformAccountID: stringEnv("ENGINE_PLATFORM_ACCOUNT_ID", defaultPlatformAccountID),

		ProviderRate:        decimalEnv("ENGINE_PROVIDER_RATE", defaultProviderRate),
		DefaultCallPrice:    decimalEnv("ENGINE_DEFAULT_CALL_PRICE", defaultCallPrice),
		DefaultChatPrice:    decimalEnv("ENGINE_DEFAULT_CHAT_PRICE", defaultChatPrice),
		ChatPriceMin:        decimalEnv("ENGINE_CHAT_PRICE_MIN", defaultChatPriceMin),
		ChatPriceMax:        decimalEnv("ENGINE_CHAT_PRICE_MAX", defaultChatPriceMax),
		LowBalanceThreshold: decimalEnv("ENGINE_LOW_BALANCE_THRESHOLD", defaultLowBalanceThreshold),

		BillingInterval:          durationEnv("ENGINE_BILLING_INTERVAL", defaultBillingInterval),
		MonitorInterval:          durationEnv("ENGINE_MONITOR_INTERVAL", defaultMonitorInterval),
		BalanceBroadcastInterval: durationEnv("ENGINE_BALANCE_BROADCAST_INTERVAL", defaultBalanceBroadcastInterval),
		GhostTickThreshold:       intEnv("ENGINE_GHOST_TICK_THRESHOLD", defaultGhostTickThreshold),
		RejoinBuffer:             durationEnv("ENGINE_REJOIN_BUFFER", defaultRejoinBuffer),

		WebhookURLs: listEnv("ENGINE_WEBHOOK_URLS"),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("ENGINE_HTTP_ADDR must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("ENGINE_DB_DRIVER must be sqlite or postgres")
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("ENGINE_DB_DSN must not be empty")
	}
	if strings.TrimSpace(c.PlatformAccountID) == "" {
		return fmt.Errorf("ENGINE_PLATFORM_ACCOUNT_ID must not be empty")
	}
	if c.ProviderRate.LessThanOrEqual(decimal.Zero) || c.ProviderRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("ENGINE_PROVIDER_RATE must be between 0 and 1 exclusive")
	}
	for name, price := range map[string]decimal.Decimal{
		"ENGINE_DEFAULT_CALL_PRICE": c.DefaultCallPrice,
		"ENGINE_DEFAULT_CHAT_PRICE": c.DefaultChatPrice,
		"ENGINE_CHAT_PRICE_MIN":     c.ChatPriceMin,
		"ENGINE_CHAT_PRICE_MAX":     c.ChatPriceMax,
	} {
		if price.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.ChatPriceMin.GreaterThan(c.ChatPriceMax) {
		return fmt.Errorf("ENGINE_CHAT_PRICE_MIN must be <= ENGINE_CHAT_PRICE_MAX")
	}
	if c.LowBalanceThreshold.IsNegative() {
		return fmt.Errorf("ENGINE_LOW_BALANCE_THRESHOLD must be >= 0")
	}
	if c.BillingInterval <= 0 {
		return fmt.Errorf("ENGINE_BILLING_INTERVAL must be > 0")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("ENGINE_MONITOR_INTERVAL must be > 0")
	}
	if c.BalanceBroadcastInterval <= 0 {
		return fmt.Errorf("ENGINE_BALANCE_BROADCAST_INTERVAL must be > 0")
	}
	if c.GhostTickThreshold <= 0 {
		return fmt.Errorf("ENGINE_GHOST_TICK_THRESHOLD must be > 0")
	}
	if c.RejoinBuffer < 0 {
		return fmt.Errorf("ENGINE_REJOIN_BUFFER must be >= 0")
	}
	return nil
}

// PlatformRate is the platform's share of every gross charge. The
// provider and platform rates always sum to exactly 1.
func (c Config) PlatformRate() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(c.ProviderRate)
}

func stringEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func decimalEnv(key, fallback string) decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw != "" {
		if parsed, err := decimal.NewFromString(raw); err == nil {
			return parsed
		}
	}
	return decimal.RequireFromString(fallback)
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func listEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value != "" {
			values = append(values, value)
		}
	}
	return values
}
