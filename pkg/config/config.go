package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	DBUrl              string
	RedisURL           string
	RedisPassword      string
	GoogleClientID     string
	GoogleClientSecret string
	JWTSecret          string
	Port               string
	Host               string
	Env                string
	Debug              bool
	SentryDSN          string
	AllowedOrigins     []string
	MaxActiveKeys      int
	RateLimitRPS       float64
	RateLimitBurst     int

	Chain   ChainConfig
	Wallet  WalletConfig
	Funding FundingConfig
}

// ChainConfig holds the JSON-RPC node settings.
type ChainConfig struct {
	RPCURL              string
	WebSocketURL        string
	Network             string
	BalanceRetries      int
	BalanceRetryDelay   time.Duration
	ConfirmationTimeout time.Duration
	ScanConcurrency     int
	MaxGasPriceGwei     int64
}

type WalletConfig struct {
	MasterKey              string
	StartingTokenBalance   decimal.Decimal
	ReconcileBlockWindow   uint64
	BalanceRefreshInterval time.Duration
	MinTransferAmount      decimal.Decimal
}

type FundingConfig struct {
	LocalCurrency string
	USDTRate      decimal.Decimal
}

func LoadConfig() Config {
	godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	return Config{
		DBUrl:              mustGet(v, "DATABASE_URL"),
		RedisURL:           mustGet(v, "REDIS_URL"),
		RedisPassword:      v.GetString("REDIS_PASSWORD"),
		GoogleClientID:     mustGet(v, "GOOGLE_CLIENT_ID"),
		GoogleClientSecret: mustGet(v, "GOOGLE_CLIENT_SECRET"),
		JWTSecret:          mustGet(v, "JWT_SECRET"),
		Port:               v.GetString("PORT"),
		Host:               mustGet(v, "HOST"),
		Env:                v.GetString("ENV"),
		Debug:              v.GetBool("DEBUG"),
		SentryDSN:          v.GetString("SENTRY_DSN"),
		AllowedOrigins:     splitList(v.GetString("ALLOWED_ORIGINS")),
		MaxActiveKeys:      v.GetInt("MAX_ACTIVE_KEYS"),
		RateLimitRPS:       v.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst:     v.GetInt("RATE_LIMIT_BURST"),
		Chain: ChainConfig{
			RPCURL:              mustGet(v, "ETH_RPC_URL"),
			WebSocketURL:        v.GetString("ETH_WS_URL"),
			Network:             v.GetString("NETWORK"),
			BalanceRetries:      v.GetInt("BALANCE_RETRY_ATTEMPTS"),
			BalanceRetryDelay:   v.GetDuration("BALANCE_RETRY_DELAY"),
			ConfirmationTimeout: v.GetDuration("CHAIN_CONFIRMATION_TIMEOUT"),
			ScanConcurrency:     v.GetInt("CHAIN_SCAN_CONCURRENCY"),
			MaxGasPriceGwei:     v.GetInt64("MAX_GAS_PRICE_GWEI"),
		},
		Wallet: WalletConfig{
			MasterKey:              mustGet(v, "WALLET_MASTER_KEY"),
			StartingTokenBalance:   mustDecimal(v, "STARTING_TOKEN_BALANCE"),
			ReconcileBlockWindow:   v.GetUint64("RECONCILE_BLOCK_WINDOW"),
			BalanceRefreshInterval: v.GetDuration("BALANCE_REFRESH_INTERVAL"),
			MinTransferAmount:      mustDecimal(v, "MIN_TRANSFER_AMOUNT"),
		},
		Funding: FundingConfig{
			LocalCurrency: v.GetString("FUNDING_LOCAL_CURRENCY"),
			USDTRate:      mustDecimal(v, "FUNDING_USDT_RATE"),
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("MAX_ACTIVE_KEYS", 5)
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("NETWORK", "sepolia")
	v.SetDefault("BALANCE_RETRY_ATTEMPTS", 3)
	v.SetDefault("BALANCE_RETRY_DELAY", time.Second)
	v.SetDefault("CHAIN_CONFIRMATION_TIMEOUT", 2*time.Minute)
	v.SetDefault("CHAIN_SCAN_CONCURRENCY", 8)
	v.SetDefault("MAX_GAS_PRICE_GWEI", 100)
	v.SetDefault("STARTING_TOKEN_BALANCE", "1000")
	v.SetDefault("RECONCILE_BLOCK_WINDOW", 100)
	v.SetDefault("BALANCE_REFRESH_INTERVAL", 15*time.Second)
	v.SetDefault("MIN_TRANSFER_AMOUNT", "0.000001")
	v.SetDefault("FUNDING_LOCAL_CURRENCY", "INR")
	v.SetDefault("FUNDING_USDT_RATE", "83")
}

func mustGet(v *viper.Viper, key string) string {
	if value := v.GetString(key); value != "" {
		return value
	}

	panic(fmt.Sprintf("%s is required", key))
}

func mustDecimal(v *viper.Viper, key string) decimal.Decimal {
	d, err := decimal.NewFromString(v.GetString(key))
	if err != nil {
		panic(fmt.Sprintf("%s must be a valid decimal", key))
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
