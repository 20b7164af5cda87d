package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/emunet-network/emunet/pkg/util"
)

// Config is the server configuration, loadable from YAML with flag
// overrides applied by the CLI.
type Config struct {
	Listen        string        `yaml:"listen"`
	Shell         string        `yaml:"shell"`
	SessionGrace  time.Duration `yaml:"session_grace"`
	RequestWindow time.Duration `yaml:"request_timeout"`
	LogLevel      string        `yaml:"log_level"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		Listen:        ":8080",
		Shell:         "/bin/bash",
		SessionGrace:  30 * time.Second,
		RequestWindow: 10 * time.Second,
		LogLevel:      "info",
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("server: config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("server: config %s: %w: %v", path, util.ErrInvalidArgument, err)
	}
	return cfg, nil
}
