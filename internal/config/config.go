/**
 * @description
 * This package handles the configuration management for the bank service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, providing a centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: parses the configured initial capital exactly.
 */

package config

import (
	"log"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultInitialCapital  = "3500000.00"
	defaultRateLimitPrefix = "bank:rate_limit"
)

// Config holds all the configuration variables for the bank service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	BankCode                 string `mapstructure:"BANK_CODE"`
	BankName                 string `mapstructure:"BANK_NAME"`
	PublicURL                string `mapstructure:"PUBLIC_URL"`
	SecretKey                string `mapstructure:"SECRET_KEY"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	AuthRateLimitPerMinute   int    `mapstructure:"AUTH_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventsExchange           string `mapstructure:"EVENTS_EXCHANGE"`
	InterbankEventQueue      string `mapstructure:"INTERBANK_EVENT_QUEUE"`
	KeysDir                  string `mapstructure:"KEYS_DIR"`
	KeyVersion               string `mapstructure:"KEY_VERSION"`
	AccessTokenTTLMinutes    int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`
	BankTokenTTLMinutes      int    `mapstructure:"BANK_TOKEN_TTL_MINUTES"`
	FederationBanksRaw       string `mapstructure:"FEDERATION_BANKS"`
	TeamCredentialsRaw       string `mapstructure:"TEAM_CREDENTIALS"`
	BankerUsername           string `mapstructure:"BANKER_USERNAME"`
	BankerPasswordHash       string `mapstructure:"BANKER_PASSWORD_HASH"`
	ConsentTTLDays           int    `mapstructure:"CONSENT_TTL_DAYS"`
	ConsentAutoApprove       bool   `mapstructure:"CONSENT_AUTO_APPROVE_DEFAULT"`
	InitialCapitalRaw        string `mapstructure:"INITIAL_CAPITAL"`
	OpenBankingTimeoutSecs   int    `mapstructure:"OPEN_BANKING_TIMEOUT_SECONDS"`
	CapitalReconcileSchedule string `mapstructure:"CAPITAL_RECONCILE_SCHEDULE"`
	ConsentExpirySchedule    string `mapstructure:"CONSENT_EXPIRY_SCHEDULE"`
	StalePaymentSchedule     string `mapstructure:"STALE_PAYMENT_SCHEDULE"`
	StalePaymentMinutes      int    `mapstructure:"STALE_PAYMENT_MINUTES"`
	CORSAllowedOriginsRaw    string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// Derived values, filled in after unmarshalling.
	FederationBanks    map[string]string `mapstructure:"-"`
	TeamCredentials    map[string]string `mapstructure:"-"`
	InitialCapital     decimal.Decimal   `mapstructure:"-"`
	CORSAllowedOrigins []string          `mapstructure:"-"`
}

// FederationCodes returns the configured federation bank codes in sorted order.
func (c Config) FederationCodes() []string {
	codes := make([]string, 0, len(c.FederationBanks))
	for code := range c.FederationBanks {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("BANK_CODE", "vbank")
	viper.SetDefault("BANK_NAME", "Virtual Bank")
	viper.SetDefault("PUBLIC_URL", "http://localhost:8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("AUTH_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("EVENTS_EXCHANGE", "bank_events")
	viper.SetDefault("INTERBANK_EVENT_QUEUE", "bank_service.interbank_inbound")
	viper.SetDefault("KEYS_DIR", "shared/keys")
	viper.SetDefault("KEY_VERSION", "2025")
	viper.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 1440)
	viper.SetDefault("BANK_TOKEN_TTL_MINUTES", 1440)
	viper.SetDefault("BANKER_USERNAME", "banker")
	viper.SetDefault("CONSENT_TTL_DAYS", 90)
	viper.SetDefault("CONSENT_AUTO_APPROVE_DEFAULT", true)
	viper.SetDefault("INITIAL_CAPITAL", defaultInitialCapital)
	viper.SetDefault("OPEN_BANKING_TIMEOUT_SECONDS", 10)
	viper.SetDefault("CAPITAL_RECONCILE_SCHEDULE", "@every 1m")
	viper.SetDefault("CONSENT_EXPIRY_SCHEDULE", "@every 15m")
	viper.SetDefault("STALE_PAYMENT_SCHEDULE", "@every 5m")
	viper.SetDefault("STALE_PAYMENT_MINUTES", 10)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("BANK_CODE")
	_ = viper.BindEnv("BANK_NAME")
	_ = viper.BindEnv("PUBLIC_URL")
	_ = viper.BindEnv("SECRET_KEY", "SECRET_KEY", "JWT_SECRET")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("AUTH_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("INTERBANK_EVENT_QUEUE")
	_ = viper.BindEnv("KEYS_DIR")
	_ = viper.BindEnv("KEY_VERSION")
	_ = viper.BindEnv("ACCESS_TOKEN_TTL_MINUTES")
	_ = viper.BindEnv("BANK_TOKEN_TTL_MINUTES")
	_ = viper.BindEnv("FEDERATION_BANKS")
	_ = viper.BindEnv("TEAM_CREDENTIALS")
	_ = viper.BindEnv("BANKER_USERNAME")
	_ = viper.BindEnv("BANKER_PASSWORD_HASH")
	_ = viper.BindEnv("CONSENT_TTL_DAYS")
	_ = viper.BindEnv("CONSENT_AUTO_APPROVE_DEFAULT")
	_ = viper.BindEnv("INITIAL_CAPITAL")
	_ = viper.BindEnv("OPEN_BANKING_TIMEOUT_SECONDS")
	_ = viper.BindEnv("CAPITAL_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("CONSENT_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("STALE_PAYMENT_SCHEDULE")
	_ = viper.BindEnv("STALE_PAYMENT_MINUTES")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.BankCode = strings.ToLower(strings.TrimSpace(config.BankCode))
	config.PublicURL = strings.TrimRight(strings.TrimSpace(config.PublicURL), "/")
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if strings.TrimSpace(config.SecretKey) == "" {
		log.Printf("level=warn component=config msg=\"SECRET_KEY not set; customer and banker tokens cannot be issued\"")
	}

	config.FederationBanks = parsePairs(config.FederationBanksRaw, "FEDERATION_BANKS")
	for code, url := range config.FederationBanks {
		config.FederationBanks[code] = strings.TrimRight(url, "/")
	}
	config.TeamCredentials = parsePairs(config.TeamCredentialsRaw, "TEAM_CREDENTIALS")
	config.CORSAllowedOrigins = splitList(config.CORSAllowedOriginsRaw)

	capital, parseErr := decimal.NewFromString(strings.TrimSpace(config.InitialCapitalRaw))
	if parseErr != nil || capital.IsNegative() {
		log.Printf("level=warn component=config msg=\"invalid INITIAL_CAPITAL; using default\" value=%q", config.InitialCapitalRaw)
		capital = decimal.RequireFromString(defaultInitialCapital)
	}
	config.InitialCapital = capital

	if config.AuthRateLimitPerMinute <= 0 {
		config.AuthRateLimitPerMinute = 20
	}
	if config.AccessTokenTTLMinutes <= 0 {
		config.AccessTokenTTLMinutes = 1440
	}
	if config.BankTokenTTLMinutes <= 0 {
		config.BankTokenTTLMinutes = config.AccessTokenTTLMinutes
	}
	if config.ConsentTTLDays <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive CONSENT_TTL_DAYS; using 90\" value=%d", config.ConsentTTLDays)
		config.ConsentTTLDays = 90
	}
	if config.OpenBankingTimeoutSecs <= 0 {
		config.OpenBankingTimeoutSecs = 10
	}
	if config.StalePaymentMinutes <= 0 {
		config.StalePaymentMinutes = 10
	}

	return
}

// parsePairs reads "key=value,key=value" lists. Keys are lower-cased; malformed entries are skipped.
func parsePairs(raw, name string) map[string]string {
	pairs := make(map[string]string)
	for _, entry := range splitList(raw) {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			log.Printf("level=warn component=config msg=\"skipping malformed entry\" var=%s entry=%q", name, entry)
			continue
		}
		pairs[key] = value
	}
	return pairs
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
