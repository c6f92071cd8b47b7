package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigLoader reads the YAML configuration file and overlays secret
// values from the environment, since secrets do not belong in a file
// that might be checked in or shipped in an image.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (cl *ConfigLoader) LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	cl.overlayEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cl *ConfigLoader) overlayEnv(cfg *Config) {
	if dsn := os.Getenv("CANDLEPIPE_POSTGRES_DSN"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if pw := os.Getenv("CANDLEPIPE_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
}

func (c *Config) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) GetRedisDatabase() int {
	return c.Redis.DB
}
