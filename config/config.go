package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"

	"versus/server/game"
)

type Config struct {
	Server struct {
		ListenAddr     string   `mapstructure:"listen_addr"`
		TCPAddr        string   `mapstructure:"tcp_addr"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Queue struct {
		// MaxWait bounds how long a connection may sit in the queue slot. Zero disables it.
		MaxWait time.Duration `mapstructure:"max_wait"`
	} `mapstructure:"queue"`

	Relay struct {
		Buffer int `mapstructure:"buffer"`
	} `mapstructure:"relay"`

	Arbitration struct {
		TieBreak            string        `mapstructure:"tie_break"`
		ForfeitOnDisconnect bool          `mapstructure:"forfeit_on_disconnect"`
		FinalizeTimeout     time.Duration `mapstructure:"finalize_timeout"`
	} `mapstructure:"arbitration"`

	Store struct {
		Driver      string `mapstructure:"driver"`
		PostgresDSN string `mapstructure:"postgres_dsn"`
	} `mapstructure:"store"`

	Directory struct {
		Driver  string        `mapstructure:"driver"`
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"directory"`

	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		GuardTTL time.Duration `mapstructure:"guard_ttl"`
	} `mapstructure:"redis"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":5000")
	v.SetDefault("server.tcp_addr", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("queue.max_wait", time.Duration(0))
	v.SetDefault("relay.buffer", 256)
	v.SetDefault("arbitration.tie_break", game.TieLastReporter.String())
	v.SetDefault("arbitration.forfeit_on_disconnect", false)
	v.SetDefault("arbitration.finalize_timeout", 10*time.Second)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("directory.driver", "store")
	v.SetDefault("directory.base_url", "")
	v.SetDefault("directory.timeout", 2*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.guard_ttl", 24*time.Hour)
}

// Load reads the optional YAML file at path, then .env and VERSUS_* variables.
// An empty path means defaults plus environment only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "failed to read .env")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("VERSUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, eris.Wrap(err, "failed to read config")
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if _, err := game.ParseTieBreak(c.Arbitration.TieBreak); err != nil {
		return eris.Wrap(err, "arbitration.tie_break")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return eris.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return eris.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Directory.Driver {
	case "store":
	case "http":
		if c.Directory.BaseURL == "" {
			return eris.New("directory.base_url is required for the http directory")
		}
	default:
		return eris.Errorf("unknown directory.driver %q", c.Directory.Driver)
	}
	if c.Queue.MaxWait < 0 {
		return eris.New("queue.max_wait must not be negative")
	}
	if c.Relay.Buffer <= 0 {
		return eris.New("relay.buffer must be positive")
	}
	if c.Arbitration.FinalizeTimeout <= 0 {
		return eris.New("arbitration.finalize_timeout must be positive")
	}
	return nil
}
