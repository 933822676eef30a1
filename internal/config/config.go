// Package config loads server settings from defaults, an optional config
// file, a .env file, the environment and command-line flags, in increasing
// order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/RichardoC/chatpad/internal/db"
	"github.com/RichardoC/chatpad/internal/llm"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	EnvPrefix   = "CHATPAD"
	DefaultPort = "5000"

	SessionMemory = "memory"
	SessionRedis  = "redis"
)

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// Dir holds one JSON file per conversation for the file driver.
	Dir string `mapstructure:"dir"`
}

type SessionConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	CookieName    string        `mapstructure:"cookie_name"`
	SecureCookie  bool          `mapstructure:"secure_cookie"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type LLMConfig struct {
	Provider         string        `mapstructure:"provider"`
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Models           []string      `mapstructure:"models"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxHistoryTokens int           `mapstructure:"max_history_tokens"`
	// Encoding is the tiktoken encoding used to size the history window.
	Encoding string `mapstructure:"encoding"`
}

type Config struct {
	Addr      string        `mapstructure:"addr"`
	Debug     bool          `mapstructure:"debug"`
	StaticDir string        `mapstructure:"static_dir"`
	Store     StoreConfig   `mapstructure:"store"`
	Session   SessionConfig `mapstructure:"session"`
	LLM       LLMConfig     `mapstructure:"llm"`
}

// SetDefaults registers every key so the environment can override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", "")
	v.SetDefault("debug", false)
	v.SetDefault("static_dir", "")

	v.SetDefault("store.driver", db.DriverSQLite)
	v.SetDefault("store.dsn", "chatpad.db")
	v.SetDefault("store.dir", "conversations")

	v.SetDefault("session.backend", SessionMemory)
	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.redis_password", "")
	v.SetDefault("session.redis_db", 0)
	v.SetDefault("session.cookie_name", "chatpad_session")
	v.SetDefault("session.secure_cookie", false)
	v.SetDefault("session.ttl", 30*24*time.Hour)

	v.SetDefault("llm.provider", llm.ProviderOpenAI)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.models", []string{})
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_history_tokens", 0)
	v.SetDefault("llm.encoding", "cl100k_base")
}

// Load reads configuration into a Config. envFile is loaded into the process
// environment first if it exists; configFile is optional.
func Load(v *viper.Viper, configFile, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "load %s", envFile)
		}
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Bare names kept for existing deployments.
	if err := v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, errors.Wrap(err, "bind api key env")
	}
	if err := v.BindEnv("port", "PORT"); err != nil {
		return nil, errors.Wrap(err, "bind port env")
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if cfg.Addr == "" {
		port := v.GetString("port")
		if port == "" {
			port = DefaultPort
		}
		cfg.Addr = ":" + port
	}
	cfg.LLM.Models = splitModels(cfg.LLM.Models)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitModels accepts both a list and a single comma-separated entry, which
// is how the environment delivers it.
func splitModels(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, name := range strings.Split(entry, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case db.DriverSQLite, db.DriverPostgres, db.DriverMySQL:
		if c.Store.DSN == "" {
			return errors.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	case db.DriverFile:
		if c.Store.Dir == "" {
			return errors.New("store.dir is required for the file driver")
		}
	default:
		return errors.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Session.Backend {
	case SessionMemory:
	case SessionRedis:
		if c.Session.RedisAddr == "" {
			return errors.New("session.redis_addr is required for the redis backend")
		}
	default:
		return errors.Errorf("unknown session.backend %q", c.Session.Backend)
	}
	if c.Session.CookieName == "" {
		return errors.New("session.cookie_name must not be empty")
	}

	switch c.LLM.Provider {
	case llm.ProviderOpenAI, llm.ProviderGoogleAI, llm.ProviderOllama:
	default:
		return errors.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("llm.timeout must be positive")
	}
	if c.LLM.MaxHistoryTokens < 0 {
		return errors.New("llm.max_history_tokens must not be negative")
	}
	return nil
}

// StoreDSN is the data source the configured driver opens.
func (c *Config) StoreDSN() string {
	if c.Store.Driver == db.DriverFile {
		return c.Store.Dir
	}
	return c.Store.DSN
}
