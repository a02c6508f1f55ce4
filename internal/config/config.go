package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                int      `env:"PORT" envDefault:"8080"`
	DatabaseURL         string   `env:"DATABASE_URL,required"`
	RedisURL            string   `env:"REDIS_URL,required"`
	JWTSecret           string   `env:"JWT_SECRET,required"`
	JWTIssuer           string   `env:"JWT_ISSUER" envDefault:""`
	StorageDir          string   `env:"STORAGE_DIR" envDefault:"./data/photos"`
	TempPhotoTTLSeconds int      `env:"TEMP_PHOTO_TTL_SECONDS" envDefault:"3600"`
	AllowedOrigins      []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	MigrateOnStart      bool     `env:"MIGRATE_ON_START" envDefault:"true"`
	LogLevel            string   `env:"LOG_LEVEL" envDefault:"info"`
	Environment         string   `env:"APP_ENV" envDefault:"development"`
}

// IsProduction reports whether the server runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) TempPhotoTTL() time.Duration {
	return time.Duration(c.TempPhotoTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.TempPhotoTTLSeconds <= 0 {
		return fmt.Errorf("TEMP_PHOTO_TTL_SECONDS must be positive")
	}

	if isProduction {
		if err := validateSecret("JWT_SECRET", c.JWTSecret); err != nil {
			return err
		}

		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		for _, origin := range c.AllowedOrigins {
			if origin == "*" {
				log.Warn().Msg("ALLOWED_ORIGINS is * in production: any site can call the scan API from a browser")
				break
			}
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
