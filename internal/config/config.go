// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"`
	DBHost         string `mapstructure:"DB_HOST"`
	DBPort         string `mapstructure:"DB_PORT"`
	DBUser         string `mapstructure:"DB_USER"`
	DBPassword     string `mapstructure:"DB_PASSWORD"`
	DBName         string `mapstructure:"DB_NAME"`
	DBSSLMode      string `mapstructure:"DB_SSLMODE"`
	DBReadHost     string `mapstructure:"DB_READ_HOST"`
	DBReadPort     string `mapstructure:"DB_READ_PORT"`
	DBReadUser     string `mapstructure:"DB_READ_USER"`
	DBReadPassword string `mapstructure:"DB_READ_PASSWORD"`
	RedisURL       string `mapstructure:"REDIS_URL"`

	AccessSecret  string        `mapstructure:"ACCESS_TOKEN_SECRET"`
	RefreshSecret string        `mapstructure:"REFRESH_TOKEN_SECRET"`
	AccessTTL     time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTTL    time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`

	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	BlobEndpoint string `mapstructure:"BLOB_ENDPOINT"`
	BlobBucket   string `mapstructure:"BLOB_BUCKET"`
	BlobKey      string `mapstructure:"BLOB_ACCESS_KEY"`
	BlobSecret   string `mapstructure:"BLOB_SECRET_KEY"`

	SearchLanguage string `mapstructure:"SEARCH_LANGUAGE"`

	SendRateLimit    int           `mapstructure:"SEND_RATE_LIMIT"`
	SendRateWindow   time.Duration `mapstructure:"SEND_RATE_WINDOW"`
	AuthAttemptLimit int           `mapstructure:"AUTH_ATTEMPT_LIMIT"`
	AuthAttemptWin   time.Duration `mapstructure:"AUTH_ATTEMPT_WINDOW"`

	ReconcileWindow time.Duration `mapstructure:"DELIVERY_RECONCILE_WINDOW"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// Initial read to get APP_ENV if set in base config
	// We intentionally ignore this error as the config file may not exist yet
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	viper.SetDefault("PORT", "8470")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "courier")
	viper.SetDefault("DB_PASSWORD", "courier")
	viper.SetDefault("DB_NAME", "courier")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("DB_READ_HOST", "")
	viper.SetDefault("DB_READ_PORT", "5432")
	viper.SetDefault("DB_READ_USER", "courier")
	viper.SetDefault("DB_READ_PASSWORD", "courier")
	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("ACCESS_TOKEN_SECRET", "dev-access-secret-change-in-production!!")
	viper.SetDefault("REFRESH_TOKEN_SECRET", "dev-refresh-secret-change-in-production!")
	viper.SetDefault("ACCESS_TOKEN_TTL", 15*time.Minute)
	viper.SetDefault("REFRESH_TOKEN_TTL", 7*24*time.Hour)
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")
	viper.SetDefault("SEARCH_LANGUAGE", "english")
	viper.SetDefault("SEND_RATE_LIMIT", 10)
	viper.SetDefault("SEND_RATE_WINDOW", time.Second)
	viper.SetDefault("AUTH_ATTEMPT_LIMIT", 5)
	viper.SetDefault("AUTH_ATTEMPT_WINDOW", 15*time.Minute)
	viper.SetDefault("DELIVERY_RECONCILE_WINDOW", time.Hour)

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

const minSecretLen = 32

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.AccessSecret == "" || c.RefreshSecret == "" {
		return errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET are required")
	}
	if c.AccessSecret == c.RefreshSecret {
		return errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must be distinct")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("token lifetimes must be positive durations")
	}
	if c.AccessTTL >= c.RefreshTTL {
		return errors.New("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}
	if c.SendRateLimit <= 0 || c.SendRateWindow <= 0 {
		return errors.New("send rate limit parameters must be positive")
	}
	if c.ReconcileWindow <= 0 || c.ReconcileWindow > 24*time.Hour {
		return errors.New("DELIVERY_RECONCILE_WINDOW must be positive and at most 24h")
	}

	isProduction := c.Env == "production" || c.Env == "prod"
	if isProduction {
		if len(c.AccessSecret) < minSecretLen || len(c.RefreshSecret) < minSecretLen {
			return fmt.Errorf("token signing secrets must be at least %d bytes in production", minSecretLen)
		}
		if c.DBPassword == "courier" || c.DBPassword == "" {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.DBSSLMode == "disable" || c.DBSSLMode == "" {
			log.Println("WARNING: DB_SSLMODE is 'disable' in production. It is highly recommended to use SSL for database connections.")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else {
		if len(c.AccessSecret) < minSecretLen || len(c.RefreshSecret) < minSecretLen {
			log.Println("WARNING: token signing secrets are shorter than 32 bytes. Use stronger secrets for production.")
		}
	}

	return nil
}
