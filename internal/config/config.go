package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"gasavg/internal/logging"
)

// DefaultRemoteListEndpoint is the blob fee statistics API.
const DefaultRemoteListEndpoint = "https://api.blobscan.com/stats/blocks"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Chains     []ChainConfig    `mapstructure:"chains"`
	Follower   FollowerConfig   `mapstructure:"follower"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	API        APIConfig        `mapstructure:"api"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ChainConfig describes one indexed chain.
type ChainConfig struct {
	ID               string        `mapstructure:"id"`
	Name             string        `mapstructure:"name"`
	RPCURL           string        `mapstructure:"rpc_url"`
	SamplingInterval uint64        `mapstructure:"sampling_interval"`
	StartBlock       uint64        `mapstructure:"start_block"`
	Confirmations    uint64        `mapstructure:"confirmations"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	Windows          WindowsConfig `mapstructure:"windows"`
}

// WindowsConfig overrides the averaging window lengths.
type WindowsConfig struct {
	Daily   time.Duration `mapstructure:"daily"`
	Weekly  time.Duration `mapstructure:"weekly"`
	Monthly time.Duration `mapstructure:"monthly"`
}

// FollowerConfig governs the chain head polling loop.
type FollowerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchLimit      int           `mapstructure:"batch_limit"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// SettlementConfig tunes the settlement query.
type SettlementConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	RemoteListEndpoint string        `mapstructure:"remote_list_endpoint"`
	RemoteListField    string        `mapstructure:"remote_list_field"`
	RemoteScale        int64         `mapstructure:"remote_scale"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// WatchdogConfig controls staleness alerts.
type WatchdogConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	MaxStaleness time.Duration `mapstructure:"max_staleness"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GASAVG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyChainDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "gasavg")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.dsn", "")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("chains", []map[string]any{{
		"id":      "eth",
		"name":    "Ethereum",
		"rpc_url": "",
	}})

	v.SetDefault("follower.poll_interval", "12s")
	v.SetDefault("follower.batch_limit", 500)
	v.SetDefault("follower.advisory_lock_key", int64(0x67617361))

	v.SetDefault("settlement.timeout", "15s")
	v.SetDefault("settlement.remote_list_endpoint", DefaultRemoteListEndpoint)
	v.SetDefault("settlement.remote_list_field", "avgBlobGasPrices")
	v.SetDefault("settlement.remote_scale", int64(1_000_000_000))
	v.SetDefault("settlement.user_agent", "gasavg/1.0")

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")

	v.SetDefault("watchdog.enabled", false)
	v.SetDefault("watchdog.interval", "5m")
	v.SetDefault("watchdog.max_staleness", "1h")

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c *Config) applyChainDefaults() {
	for i := range c.Chains {
		chain := &c.Chains[i]
		chain.ID = strings.ToLower(strings.TrimSpace(chain.ID))
		if chain.SamplingInterval == 0 {
			chain.SamplingInterval = 150
		}
		if chain.RequestTimeout <= 0 {
			chain.RequestTimeout = 10 * time.Second
		}
		if chain.Windows.Daily <= 0 {
			chain.Windows.Daily = 24 * time.Hour
		}
		if chain.Windows.Weekly <= 0 {
			chain.Windows.Weekly = 7 * 24 * time.Hour
		}
		if chain.Windows.Monthly <= 0 {
			chain.Windows.Monthly = 30 * 24 * time.Hour
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[string]struct{}, len(c.Chains))
	for i, chain := range c.Chains {
		if chain.ID == "" {
			return fmt.Errorf("chains[%d].id must be set", i)
		}
		if _, dup := seen[chain.ID]; dup {
			return fmt.Errorf("chains[%d].id %q is duplicated", i, chain.ID)
		}
		seen[chain.ID] = struct{}{}
		if chain.SamplingInterval == 0 {
			return fmt.Errorf("chains[%d].sampling_interval must be greater than zero", i)
		}
		if chain.Windows.Daily < time.Second || chain.Windows.Weekly < time.Second || chain.Windows.Monthly < time.Second {
			return fmt.Errorf("chains[%d].windows must be at least one second", i)
		}
	}
	if c.Follower.PollInterval <= 0 {
		return fmt.Errorf("follower.poll_interval must be greater than zero")
	}
	if c.Follower.BatchLimit <= 0 {
		return fmt.Errorf("follower.batch_limit must be greater than zero")
	}
	if c.Settlement.Timeout <= 0 {
		return fmt.Errorf("settlement.timeout must be greater than zero")
	}
	if c.Settlement.RemoteScale <= 0 {
		return fmt.Errorf("settlement.remote_scale must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Watchdog.Enabled {
		if c.Watchdog.Interval <= 0 || c.Watchdog.MaxStaleness <= 0 {
			return fmt.Errorf("watchdog.interval and watchdog.max_staleness must be greater than zero")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	return nil
}

// Chain returns the configuration of chain id.
func (c *Config) Chain(id string) (ChainConfig, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, chain := range c.Chains {
		if chain.ID == id {
			return chain, true
		}
	}
	return ChainConfig{}, false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
