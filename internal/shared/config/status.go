package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// StatusConfig contains all configuration for the status API server.
type StatusConfig struct {
	REST    RESTConfig    `mapstructure:"rest"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RESTConfig contains REST API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoadStatus loads the status server configuration from the given INI file.
// An empty path uses defaults only. Environment variables with the
// MORF_STATUS_ prefix override file values.
func LoadStatus(configPath string) (*StatusConfig, error) {
	v := viper.New()

	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 15*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)
	v.SetDefault("server.ledger_path", "morf-ledger.db")
	v.SetDefault("logging.level", "info")

	var data []byte
	if configPath != "" {
		var err error
		if data, err = os.ReadFile(configPath); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	if err := readINI(v, data, "MORF_STATUS"); err != nil {
		return nil, err
	}

	var cfg StatusConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.Server.LedgerPath == "" {
		return nil, fmt.Errorf("server.ledger_path is required")
	}
	return &cfg, nil
}
