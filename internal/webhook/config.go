package webhook

import (
	"fmt"
	"time"

	"github.com/mattjoyce/deployhook/internal/config"
)

// FromGlobalConfig derives the dispatcher settings from the service config.
func FromGlobalConfig(cfg *config.Config) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("config is nil")
	}

	maxBody := int64(DefaultMaxBodySize)
	if cfg.MaxBodySize != "" {
		size, err := config.ParseSize(cfg.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("invalid max_body_size %q: %w", cfg.MaxBodySize, err)
		}
		maxBody = size
	}

	return Config{
		Listen:          cfg.Listen,
		MaxBodySize:     maxBody,
		ShutdownTimeout: cfg.Service.ShutdownTimeout,
	}, nil
}

func (c Config) shutdownTimeout() time.Duration {
	if c.ShutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return c.ShutdownTimeout
}
