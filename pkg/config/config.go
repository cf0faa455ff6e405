package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	DB         DBConfig                `mapstructure:"db"`
	Chains     map[string]*ChainConfig `mapstructure:"chains" validate:"required,min=1,dive,required"`
	Tokens     map[string]*TokenConfig `mapstructure:"tokens" validate:"required,min=1,dive,required"`
	Watchers   WatchersConfig          `mapstructure:"watchers"`
	Retry      RetryConfig             `mapstructure:"retry"`
	Keys       KeysConfig              `mapstructure:"keys"`
	Monitoring MonitoringConfig        `mapstructure:"monitoring"`
	Logging    LoggingConfig           `mapstructure:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gt=0,lt=65536"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DBConfig contains the embedded store settings
type DBConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ChainConfig contains RPC and signing settings for one chain, keyed by slug
type ChainConfig struct {
	ChainID         int64         `mapstructure:"chain_id" validate:"gt=0"`
	RPCURL          string        `mapstructure:"rpc_url" validate:"required,url"`
	IsL1            bool          `mapstructure:"is_l1"`
	PrivateKey      string        `mapstructure:"private_key" validate:"required,hexadecimal"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
	MaxGasPrice     string        `mapstructure:"max_gas_price" validate:"omitempty,numeric"`
	PollingInterval time.Duration `mapstructure:"polling_interval" default:"10s"`
	RPCTimeout      time.Duration `mapstructure:"rpc_timeout" default:"30s"`
	StartBlock      uint64        `mapstructure:"start_block"`
	// ProverURL points at the relay proof service used for messages sent
	// from this chain. Empty disables cross-domain relaying for it.
	ProverURL string `mapstructure:"prover_url" validate:"omitempty,url"`
}

// TokenConfig contains the bridge deployment of one token
type TokenConfig struct {
	// Contracts is keyed by chain slug
	Contracts map[string]ContractsConfig `mapstructure:"contracts" validate:"required,min=1,dive"`
}

// ContractsConfig contains contract addresses on one chain
type ContractsConfig struct {
	L1Bridge             string `mapstructure:"l1_bridge" validate:"omitempty,eth_addr"`
	L2Bridge             string `mapstructure:"l2_bridge" validate:"omitempty,eth_addr"`
	L1Messenger          string `mapstructure:"l1_messenger" validate:"omitempty,eth_addr"`
	StateCommitmentChain string `mapstructure:"state_commitment_chain" validate:"omitempty,eth_addr"`
}

// WatchersConfig contains watcher modes and timings
type WatchersConfig struct {
	DryMode           bool          `mapstructure:"dry_mode"`
	PauseMode         bool          `mapstructure:"pause_mode"`
	CommitSettleDelay time.Duration `mapstructure:"commit_settle_delay"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval" validate:"gt=0"`
}

// RetryConfig bounds retries of failed settlement transactions
type RetryConfig struct {
	TxRetryDelay    time.Duration `mapstructure:"tx_retry_delay" validate:"gt=0"`
	BackoffUnit     time.Duration `mapstructure:"backoff_unit" validate:"gt=0"`
	RetentionWindow time.Duration `mapstructure:"retention_window" validate:"gtfield=TxRetryDelay"`
}

// KeysConfig contains signing key settings
type KeysConfig struct {
	// MasterKey is the base64 AES-256 key that decrypts "enc:" private keys.
	// Usually supplied as KEYS_MASTER_KEY.
	MasterKey string `mapstructure:"master_key"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
	OutputPath string `mapstructure:"output_path"`
}

// L1 returns the slug and settings of the base chain.
func (c *Config) L1() (string, *ChainConfig) {
	for slug, ch := range c.Chains {
		if ch.IsL1 {
			return slug, ch
		}
	}
	return "", nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// viper cannot default entries of keyed maps
	for slug, ch := range config.Chains {
		if ch == nil {
			continue
		}
		if err := defaults.Set(ch); err != nil {
			return nil, fmt.Errorf("failed to apply defaults to chain %s: %w", slug, err)
		}
	}

	if err := resolvePrivateKeys(&config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// DB defaults
	v.SetDefault("db.path", "./db_data")

	// Watcher defaults
	v.SetDefault("watchers.dry_mode", false)
	v.SetDefault("watchers.pause_mode", false)
	v.SetDefault("watchers.commit_settle_delay", "2s")
	v.SetDefault("watchers.scheduler_interval", "1m")

	// Retry defaults
	v.SetDefault("retry.tx_retry_delay", "10m")
	v.SetDefault("retry.backoff_unit", "1m")
	v.SetDefault("retry.retention_window", "168h")

	// Keys defaults
	v.SetDefault("keys.master_key", "")

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

func validate(config *Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(config); err != nil {
		return err
	}

	var l1 []string
	for slug, ch := range config.Chains {
		if ch.IsL1 {
			l1 = append(l1, slug)
		}
	}
	if len(l1) != 1 {
		return fmt.Errorf("exactly one chain must set is_l1, got %d", len(l1))
	}

	var errs []error
	for symbol, token := range config.Tokens {
		for slug, contracts := range token.Contracts {
			ch, ok := config.Chains[slug]
			if !ok {
				errs = append(errs, fmt.Errorf("tokens.%s.contracts.%s: unknown chain", symbol, slug))
				continue
			}
			if ch.IsL1 && contracts.L1Bridge == "" {
				errs = append(errs, fmt.Errorf("tokens.%s.contracts.%s.l1_bridge is required", symbol, slug))
			}
			if !ch.IsL1 && contracts.L2Bridge == "" {
				errs = append(errs, fmt.Errorf("tokens.%s.contracts.%s.l2_bridge is required", symbol, slug))
			}
		}
		if _, ok := token.Contracts[l1[0]]; !ok {
			errs = append(errs, fmt.Errorf("tokens.%s.contracts.%s is required", symbol, l1[0]))
		}
	}
	return errors.Join(errs...)
}
