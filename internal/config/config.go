package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName        = "TokenSale"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour

	defaultTokenName    = "EspeoToken"
	defaultSaleDuration = 28 * 24 * time.Hour
	defaultRate         = 500

	// Defaults follow the reference deployment: amounts are 18-decimal
	// base-currency units.
	defaultTokenSupply    = "500000000000000000000" // 500 tokens
	defaultMinPayment     = "10000000000000000"     // 0.01
	defaultFundingGoal    = "500000000000000000"    // 0.5
	defaultBonusThreshold = "100000000000000000"    // 0.1

	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
)

// Config captures application runtime configuration loaded from environment
// variables. DatabaseURL and RedisURL are optional: when absent the service
// runs with in-memory backends.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	TokenName      string
	TokenSupply    *big.Int
	Beneficiary    string
	SaleStart      time.Time
	SaleDuration   time.Duration
	Rate           int64
	MinPayment     *big.Int
	FundingGoal    *big.Int
	BonusThreshold *big.Int
}

// Load reads configuration values from the environment and populates a
// Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		TokenName:      getEnv("TOKEN_NAME", defaultTokenName),
		Beneficiary:    os.Getenv("BENEFICIARY"),
		SaleStart:      time.Now().UTC(),
		SaleDuration:   defaultSaleDuration,
		Rate:           defaultRate,
	}

	if cfg.Beneficiary == "" {
		return Config{}, fmt.Errorf("BENEFICIARY must be set")
	}

	var err error
	if cfg.TokenSupply, err = bigIntEnv("TOKEN_SUPPLY", defaultTokenSupply); err != nil {
		return Config{}, err
	}
	if cfg.MinPayment, err = bigIntEnv("MIN_PAYMENT", defaultMinPayment); err != nil {
		return Config{}, err
	}
	if cfg.FundingGoal, err = bigIntEnv("FUNDING_GOAL", defaultFundingGoal); err != nil {
		return Config{}, err
	}
	if cfg.BonusThreshold, err = bigIntEnv("BONUS_THRESHOLD", defaultBonusThreshold); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("SALE_START"); v != "" {
		start, err := parseTime(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SALE_START: %w", err)
		}
		cfg.SaleStart = start
	}
	if v := os.Getenv("SALE_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SALE_DURATION: %w", err)
		}
		cfg.SaleDuration = d
	}
	if v := os.Getenv("SALE_RATE"); v != "" {
		rate, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SALE_RATE: %w", err)
		}
		cfg.Rate = rate
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		cfg.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		cfg.IdempotencyTTL = d
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func bigIntEnv(key, fallback string) (*big.Int, error) {
	raw := getEnv(key, fallback)
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s: %q is not a non-negative base-10 integer", key, raw)
	}
	return n, nil
}

// parseTime accepts unix seconds or RFC 3339.
func parseTime(v string) (time.Time, error) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
