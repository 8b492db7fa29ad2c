package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the root application configuration.
type Config struct {
	Database   DatabaseConfig   `envconfig:"DATABASE"`
	ClickHouse ClickHouseConfig `envconfig:"CLICKHOUSE"`
	Redis      RedisConfig      `envconfig:"REDIS"`
	Logging    LoggingConfig    `envconfig:"LOGGING"`
	Worker     WorkerConfig     `envconfig:"WORKER"`
	Retry      RetryConfig      `envconfig:"RETRY"`
	Simulator  SimulatorConfig  `envconfig:"SIMULATOR"`
	Debate     DebateConfig     `envconfig:"DEBATE"`
	Risk       RiskConfig       `envconfig:"RISK"`
	AI         AIConfig         `envconfig:"AI"`
	HTTP       HTTPConfig       `envconfig:"HTTP"`
}

// HTTPConfig configures the process's event-stream listener (§6.5): a
// liveness probe and the websocket endpoint subscribers connect to.
type HTTPConfig struct {
	Addr string `envconfig:"ADDR" default:":8090"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Name     string `envconfig:"DB_NAME" default:"agentrun"`
	User     string `envconfig:"DB_USER" required:"false" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD" required:"false" default:""`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
}

// GetDSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// ClickHouseConfig holds the optional analytics sink for decision rows.
type ClickHouseConfig struct {
	Host     string `envconfig:"CH_HOST" default:"localhost"`
	Database string `envconfig:"CH_DATABASE" default:"agentrun"`
	User     string `envconfig:"CH_USER" default:"default"`
	Password string `envconfig:"CH_PASSWORD" default:""`
	Port     int    `envconfig:"CH_PORT" default:"9000"`
	Enabled  bool   `envconfig:"CH_ENABLED" default:"false"`
}

// GetDSN returns the ClickHouse DSN.
func (c *ClickHouseConfig) GetDSN() string {
	return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis connection parameters used for every coordination
// key the runtime owns: ownership keys, execution locks, claim locks.
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Password string `envconfig:"REDIS_PASSWORD" required:"false" default:""`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`

	OwnershipKeyTTLSeconds  int `envconfig:"OWNERSHIP_KEY_TTL_SECONDS" default:"120"`
	ExecutionLockTTLSeconds int `envconfig:"EXECUTION_LOCK_TTL_SECONDS" default:"300"`
	SyncIntervalSeconds     int `envconfig:"SYNC_INTERVAL_SECONDS" default:"60"`
}

// Addr returns the host:port Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" default:""`
}

// WorkerConfig holds AgentWorker/WorkerManager/Heartbeat timing (§6.3).
type WorkerConfig struct {
	MaxConsecutiveErrors     int `envconfig:"MAX_CONSECUTIVE_ERRORS" default:"5"`
	ErrorWindowSeconds       int `envconfig:"ERROR_WINDOW_SECONDS" default:"600"`
	HeartbeatIntervalSeconds int `envconfig:"HEARTBEAT_INTERVAL_SECONDS" default:"60"`
	HeartbeatTimeoutSeconds  int `envconfig:"HEARTBEAT_TIMEOUT_SECONDS" default:"180"`
	StartupGraceSeconds      int `envconfig:"STARTUP_GRACE_SECONDS" default:"60"`
	CycleTimeoutSeconds      int `envconfig:"CYCLE_TIMEOUT_SECONDS" default:"300"`
	DefaultMaxPositions      int `envconfig:"DEFAULT_MAX_POSITIONS" default:"5"`
}

// RetryConfig holds RetryUtils backoff defaults (§4.1).
type RetryConfig struct {
	BaseDelay time.Duration `envconfig:"BASE_DELAY" default:"2s"`
	MaxDelay  time.Duration `envconfig:"MAX_DELAY" default:"60s"`
	Jitter    bool          `envconfig:"JITTER" default:"true"`
}

// SimulatorConfig drives the mock trader's fee/slippage model (§6.1).
type SimulatorConfig struct {
	MakerFee        float64 `envconfig:"MAKER_FEE" default:"0.0002"`
	TakerFee        float64 `envconfig:"TAKER_FEE" default:"0.0004"`
	DefaultSlippage float64 `envconfig:"DEFAULT_SLIPPAGE" default:"0.0005"`
	InitialEquity   float64 `envconfig:"INITIAL_EQUITY" default:"10000"`
}

// DebateConfig configures the multi-model debate engine (§4.6).
type DebateConfig struct {
	ParticipantTimeoutSeconds int `envconfig:"PARTICIPANT_TIMEOUT_SECONDS" default:"120"`
	MinParticipants           int `envconfig:"MIN_PARTICIPANTS" default:"2"`
}

// RiskConfig holds cross-cutting risk defaults consumed by the AI engine.
type RiskConfig struct {
	MaxPositionRatio     float64 `envconfig:"MAX_POSITION_RATIO" default:"0.3"`
	MinRiskRewardRatio   float64 `envconfig:"MIN_RISK_REWARD_RATIO" default:"1.5"`
	MinOrderNotionalUSD  float64 `envconfig:"MIN_ORDER_NOTIONAL_USD" default:"10"`
	AccountCapitalCapPct float64 `envconfig:"ACCOUNT_CAPITAL_CAP_PERCENT" default:"0.95"`
}

// AIConfig holds LLM provider credentials keyed by provider id (§9).
type AIConfig struct {
	OpenAI AIProviderConfig `envconfig:"OPENAI"`
}

// AIProviderConfig is a single LLM provider's credentials.
type AIProviderConfig struct {
	APIKey  string `envconfig:"API_KEY" required:"false"`
	Enabled bool   `envconfig:"ENABLED" default:"false"`
	Model   string `envconfig:"MODEL" default:"gpt-4-turbo-preview"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration invariants not expressible via struct tags.
func (c *Config) Validate() error {
	if c.Worker.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("worker.max_consecutive_errors must be at least 1")
	}
	if c.Worker.HeartbeatTimeoutSeconds <= c.Worker.HeartbeatIntervalSeconds {
		return fmt.Errorf("worker.heartbeat_timeout_seconds must exceed heartbeat_interval_seconds")
	}
	if c.Risk.MaxPositionRatio <= 0 || c.Risk.MaxPositionRatio > 1 {
		return fmt.Errorf("risk.max_position_ratio must be in (0, 1]")
	}
	if c.Debate.MinParticipants < 2 {
		return fmt.Errorf("debate.min_participants must be at least 2")
	}
	return nil
}
