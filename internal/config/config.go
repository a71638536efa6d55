package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`

	StoreDriver string `mapstructure:"store_driver"`
	StoreDSN    string `mapstructure:"store_dsn"`
	RedisURL    string `mapstructure:"redis_url"`

	MediaURL       string        `mapstructure:"media_url"`
	MediaAPIKey    string        `mapstructure:"media_api_key"`
	MediaAPISecret string        `mapstructure:"media_api_secret"`
	MediaTokenTTL  time.Duration `mapstructure:"media_token_ttl"`
	STUNServers    []string      `mapstructure:"stun_servers"`

	PaymentAPIURL        string `mapstructure:"payment_api_url"`
	PaymentSecretKey     string `mapstructure:"payment_secret_key"`
	PaymentWebhookSecret string `mapstructure:"payment_webhook_secret"`

	FeedURL    string `mapstructure:"feed_url"`
	FeedAPIKey string `mapstructure:"feed_api_key"`
	FeedModel  string `mapstructure:"feed_model"`
	FeedHour   int    `mapstructure:"feed_hour"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("store_driver", "memory")
	v.SetDefault("media_token_ttl", "6h")
	v.SetDefault("feed_hour", 9)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("mode: %s | port: %d | store: %s\n", cfg.Mode, cfg.Port, cfg.StoreDriver)
	return &cfg, nil
}
