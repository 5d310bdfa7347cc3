package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon configuration, loaded from a YAML file with
// MAILSYNC_* environment overrides.
type Config struct {
	// DBPath is the sqlite database location.
	DBPath string `mapstructure:"db_path"`

	// NATSURL is the JetStream endpoint for durable event fan-out. Empty
	// disables the broker path; the in-process hub still runs.
	NATSURL string `mapstructure:"nats_url"`

	// ListenAddr is the trigger API bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// JWKSURL is the key set used to verify bearer tokens on the trigger
	// API. Empty disables auth (local development only).
	JWKSURL string `mapstructure:"jwks_url"`

	// MasterKey is the hex-encoded 32-byte key the credential vault
	// encrypts secrets with.
	MasterKey string `mapstructure:"master_key"`

	// OAuth app credentials for the hosted vendors.
	GoogleClientID        string `mapstructure:"google_client_id"`
	GoogleClientSecret    string `mapstructure:"google_client_secret"`
	MicrosoftClientID     string `mapstructure:"microsoft_client_id"`
	MicrosoftClientSecret string `mapstructure:"microsoft_client_secret"`

	SchedulerTick     time.Duration `mapstructure:"scheduler_tick"`
	SchedulerBatchCap int           `mapstructure:"scheduler_batch_cap"`
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	PassTimeout       time.Duration `mapstructure:"pass_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "data/mailsync.db")
	v.SetDefault("listen_addr", ":8085")
	// Keys without a useful default still need to be registered, or viper
	// will not see their environment overrides during Unmarshal.
	v.SetDefault("nats_url", "")
	v.SetDefault("jwks_url", "")
	v.SetDefault("master_key", "")
	v.SetDefault("google_client_id", "")
	v.SetDefault("google_client_secret", "")
	v.SetDefault("microsoft_client_id", "")
	v.SetDefault("microsoft_client_secret", "")
	v.SetDefault("scheduler_tick", "45s")
	v.SetDefault("scheduler_batch_cap", 50)
	v.SetDefault("worker_pool_size", 8)
	v.SetDefault("pass_timeout", "5m")
	v.SetDefault("heartbeat_interval", "25s")
}

// Load reads configuration from path. A missing file is not an error; the
// defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILSYNC")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("master_key is required")
	}

	key, err := hex.DecodeString(c.MasterKey)
	if err != nil {
		return fmt.Errorf("master_key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("master_key must be 32 bytes, got %d", len(key))
	}

	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be at least 1")
	}
	if c.SchedulerBatchCap < 1 {
		return fmt.Errorf("scheduler_batch_cap must be at least 1")
	}

	return nil
}

// Key returns the decoded master key. validate has already checked it.
func (c *Config) Key() []byte {
	key, _ := hex.DecodeString(c.MasterKey)
	return key
}
