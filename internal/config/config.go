package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	CORS       CORSConfig       `yaml:"cors"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Auth       AuthConfig       `yaml:"auth"`
	Admin      AdminConfig      `yaml:"admin"`
	Wallet     WalletConfig     `yaml:"wallet"`
	Tron       TronConfig       `yaml:"tron"`
	Custody    CustodyConfig    `yaml:"custody"`
	Energy     EnergyConfig     `yaml:"energy"`
	Deposit    DepositConfig    `yaml:"deposit"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Retry      RetryConfig      `yaml:"retry"`
	Settlement SettlementConfig `yaml:"settlement"`
	Payout     PayoutConfig     `yaml:"payout"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
}

// CORSConfig an empty origin list allows every origin
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// DatabaseConfig Database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig NATS message server configuration. An empty URL disables publishing to NATS.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// AdminConfig Admin API access control configuration
type AdminConfig struct {
	AllowedIPs []string         `yaml:"allowed_ips"`
	Operators  []OperatorConfig `yaml:"operators" validate:"dive"`
	TokenTTL   time.Duration    `yaml:"token_ttl"`
}

// OperatorConfig a reviewer allowed to log in for an admin token
type OperatorConfig struct {
	ID           uint64 `yaml:"id" validate:"gt=0"`
	Username     string `yaml:"username" validate:"required"`
	PasswordHash string `yaml:"password_hash" validate:"required"` // bcrypt
	TOTPSecret   string `yaml:"totp_secret"`
}

// WalletConfig master derivation secret and index allocation policy
type WalletConfig struct {
	Mnemonic          string `yaml:"mnemonic" validate:"required"`
	Passphrase        string `yaml:"passphrase"`
	ReservedIndexes   uint32 `yaml:"reserved_indexes"`
	AllocationRetries int    `yaml:"allocation_retries"`
}

// TronConfig node endpoints and token contract
type TronConfig struct {
	FullNodes      []string      `yaml:"full_nodes" validate:"required,min=1,dive,url"`
	TronGridURL    string        `yaml:"trongrid_url" validate:"required,url"`
	APIKey         string        `yaml:"api_key"`
	TokenContract  string        `yaml:"token_contract" validate:"required"`
	TokenDecimals  int32         `yaml:"token_decimals"`
	FeeLimit       int64         `yaml:"fee_limit"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// CustodyConfig platform hot wallets
type CustodyConfig struct {
	Address             string          `yaml:"address" validate:"required"`
	PrivateKey          string          `yaml:"private_key" validate:"required"`
	SettlementKey       string          `yaml:"settlement_key"`
	EntropySink         string          `yaml:"entropy_sink"`
	LowBalanceThreshold decimal.Decimal `yaml:"low_balance_threshold"`
	MonitorInterval     time.Duration   `yaml:"monitor_interval"`
}

// EnergyProviderConfig a wallet that stakes TRX for energy and delegates it on demand
type EnergyProviderConfig struct {
	Address    string `yaml:"address" validate:"required"`
	PrivateKey string `yaml:"private_key" validate:"required"`
}

type EnergyConfig struct {
	Providers        []EnergyProviderConfig `yaml:"providers" validate:"dive"`
	WorkingThreshold int64                  `yaml:"working_threshold"`
	PerTransfer      int64                  `yaml:"per_transfer"`
	ApprovalEstimate int64                  `yaml:"approval_estimate"`
	TrailingSamples  int                    `yaml:"trailing_samples"`
	BandwidthMinimum int64                  `yaml:"bandwidth_minimum"`
}

type DepositConfig struct {
	FastInterval   time.Duration   `yaml:"fast_interval"`
	SlowInterval   time.Duration   `yaml:"slow_interval"`
	Overlap        time.Duration   `yaml:"overlap"`
	MinAmount      decimal.Decimal `yaml:"min_amount"`
	FallbackBlocks int64           `yaml:"fallback_blocks"`
	Concurrency    int             `yaml:"concurrency"`
	RetryAttempts  int             `yaml:"retry_attempts"`
}

type SweepConfig struct {
	Interval    time.Duration   `yaml:"interval"`
	IdlePeriod  time.Duration   `yaml:"idle_period"`
	BatchSize   int             `yaml:"batch_size"`
	MinAmount   decimal.Decimal `yaml:"min_amount"`
	Concurrency int             `yaml:"concurrency"`
}

type RetryConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxRetries int           `yaml:"max_retries"`
}

type SettlementConfig struct {
	QueueSize         int               `yaml:"queue_size"`
	BaseMultiplier    decimal.Decimal   `yaml:"base_multiplier"`
	StreakMultipliers []decimal.Decimal `yaml:"streak_multipliers"`
	LevelThresholds   []decimal.Decimal `yaml:"level_thresholds"`
	MinStake          decimal.Decimal   `yaml:"min_stake"`
	MaxStake          decimal.Decimal   `yaml:"max_stake"`
	RecoveryInterval  time.Duration     `yaml:"recovery_interval"`
	StaleAfter        time.Duration     `yaml:"stale_after"`
	RefundAfter       time.Duration     `yaml:"refund_after"`
}

type PayoutConfig struct {
	AutoThreshold     decimal.Decimal `yaml:"auto_threshold"`
	RequireCredential bool            `yaml:"require_credential"`
	SendTimeout       time.Duration   `yaml:"send_timeout"`
}

// Load reads the YAML file at configPath, applies environment overrides,
// fills defaults and validates the result.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideFromEnv(&cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Payout.AutoThreshold.IsNegative() {
		return fmt.Errorf("invalid config: payout.auto_threshold must not be negative")
	}
	if c.Settlement.BaseMultiplier.LessThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("invalid config: settlement.base_multiplier must be greater than 1")
	}
	return nil
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.CORS.MaxAge == 0 {
		c.CORS.MaxAge = 3600
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.NATS.Timeout == 0 {
		c.NATS.Timeout = 5
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "settlement"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "settlement-backend"
	}
	if c.Admin.TokenTTL == 0 {
		c.Admin.TokenTTL = 12 * time.Hour
	}
	if c.Wallet.AllocationRetries == 0 {
		c.Wallet.AllocationRetries = 5
	}
	if c.Tron.TokenDecimals == 0 {
		c.Tron.TokenDecimals = 6
	}
	if c.Tron.FeeLimit == 0 {
		c.Tron.FeeLimit = 50_000_000
	}
	if c.Tron.RequestTimeout == 0 {
		c.Tron.RequestTimeout = 15 * time.Second
	}
	if c.Tron.RequestsPerSec == 0 {
		c.Tron.RequestsPerSec = 10
	}
	if c.Tron.ConfirmTimeout == 0 {
		c.Tron.ConfirmTimeout = 90 * time.Second
	}
	if c.Custody.MonitorInterval == 0 {
		c.Custody.MonitorInterval = 5 * time.Minute
	}
	if c.Energy.WorkingThreshold == 0 {
		c.Energy.WorkingThreshold = 200_000
	}
	if c.Energy.PerTransfer == 0 {
		c.Energy.PerTransfer = 65_000
	}
	if c.Energy.ApprovalEstimate == 0 {
		c.Energy.ApprovalEstimate = 46_000
	}
	if c.Energy.TrailingSamples == 0 {
		c.Energy.TrailingSamples = 20
	}
	if c.Energy.BandwidthMinimum == 0 {
		c.Energy.BandwidthMinimum = 300
	}
	if c.Deposit.FastInterval == 0 {
		c.Deposit.FastInterval = 10 * time.Second
	}
	if c.Deposit.SlowInterval == 0 {
		c.Deposit.SlowInterval = time.Minute
	}
	if c.Deposit.Overlap == 0 {
		c.Deposit.Overlap = 2 * time.Minute
	}
	if c.Deposit.FallbackBlocks == 0 {
		c.Deposit.FallbackBlocks = 100
	}
	if c.Deposit.Concurrency == 0 {
		c.Deposit.Concurrency = 4
	}
	if c.Deposit.RetryAttempts == 0 {
		c.Deposit.RetryAttempts = 3
	}
	if c.Sweep.Interval == 0 {
		c.Sweep.Interval = 30 * time.Minute
	}
	if c.Sweep.IdlePeriod == 0 {
		c.Sweep.IdlePeriod = 6 * time.Hour
	}
	if c.Sweep.BatchSize == 0 {
		c.Sweep.BatchSize = 50
	}
	if c.Sweep.Concurrency == 0 {
		c.Sweep.Concurrency = 4
	}
	if c.Retry.Interval == 0 {
		c.Retry.Interval = 10 * time.Minute
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 5
	}
	if c.Settlement.QueueSize == 0 {
		c.Settlement.QueueSize = 256
	}
	if c.Settlement.BaseMultiplier.IsZero() {
		c.Settlement.BaseMultiplier = decimal.RequireFromString("1.95")
	}
	if c.Settlement.RecoveryInterval == 0 {
		c.Settlement.RecoveryInterval = time.Minute
	}
	if c.Settlement.StaleAfter == 0 {
		c.Settlement.StaleAfter = 10 * time.Minute
	}
	if c.Settlement.RefundAfter == 0 {
		c.Settlement.RefundAfter = 24 * time.Hour
	}
	if c.Payout.SendTimeout == 0 {
		c.Payout.SendTimeout = 2 * time.Minute
	}
}

// overrideFromEnv Override configuration from environment
func overrideFromEnv(cfg *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORS.AllowedOrigins = strings.Split(origins, ",")
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.NATS.URL = natsURL
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	// Secrets are expected to come from the environment in production.
	if mnemonic := os.Getenv("WALLET_MNEMONIC"); mnemonic != "" {
		cfg.Wallet.Mnemonic = mnemonic
	}
	if passphrase := os.Getenv("WALLET_PASSPHRASE"); passphrase != "" {
		cfg.Wallet.Passphrase = passphrase
	}
	if key := os.Getenv("CUSTODY_PRIVATE_KEY"); key != "" {
		cfg.Custody.PrivateKey = key
	}
	if key := os.Getenv("SETTLEMENT_PRIVATE_KEY"); key != "" {
		cfg.Custody.SettlementKey = key
	}
	if apiKey := os.Getenv("TRONGRID_API_KEY"); apiKey != "" {
		cfg.Tron.APIKey = apiKey
	}
	if nodes := os.Getenv("TRON_FULL_NODES"); nodes != "" {
		cfg.Tron.FullNodes = strings.Split(nodes, ",")
	}

	if v := os.Getenv("PAYOUT_AUTO_THRESHOLD"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.Payout.AutoThreshold = d
		}
	}
	if v := os.Getenv("SWEEP_IDLE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweep.IdlePeriod = d
		}
	}
	if v := os.Getenv("RETRY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxRetries = n
		}
	}
}
