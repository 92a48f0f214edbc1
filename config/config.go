// Package config loads server configuration from a file and APP_* env vars.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	App struct {
		Env string // "dev" or "prod"
	} `mapstructure:"app"`

	HTTP struct {
		Addr string
	} `mapstructure:"http"`

	DB struct {
		Path string
	} `mapstructure:"db"`

	Ledger struct {
		MaxRetries         uint64 `mapstructure:"max_retries"`
		ReconcileTolerance string `mapstructure:"reconcile_tolerance"`
	} `mapstructure:"ledger"`

	Catalog struct {
		SeedFile string `mapstructure:"seed_file"`
	} `mapstructure:"catalog"`
}

// Load reads configuration from path (optional) with env overrides.
// Missing file is fine; defaults apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.env", "prod")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("db.path", "./inventory.db")
	v.SetDefault("ledger.max_retries", 5)
	v.SetDefault("ledger.reconcile_tolerance", "0")
	v.SetDefault("catalog.seed_file", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}
