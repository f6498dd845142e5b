// Package config содержит логику чтения конфигурации сервиса adegloba-core.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса adegloba-core.
type Config struct {
	RunAddress    string        `env:"RUN_ADDRESS"`
	DatabaseURI   string        `env:"DATABASE_URI"`
	WebhookSecret string        `env:"WEBHOOK_SECRET"`
	AdminKey      string        `env:"ADMIN_KEY"`
	TiersFile     string        `env:"TIERS_FILE"`
	KafkaBrokers  string        `env:"KAFKA_BROKERS"`
	KafkaGroupID  string        `env:"KAFKA_GROUP_ID"`
	RetryInterval time.Duration `env:"FULFILLMENT_RETRY_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Переменные окружения имеют приоритет над флагами. Локальный
// файл .env, если он есть, подгружается до разбора окружения.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envValues := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.WebhookSecret, "w", "", "HMAC secret for order event webhooks")
	flag.StringVar(&cfg.AdminKey, "s", "", "admin API key")
	flag.StringVar(&cfg.TiersFile, "t", "", "discount tier table YAML file")
	flag.StringVar(&cfg.KafkaBrokers, "k", "", "kafka brokers, comma-separated (empty disables kafka)")
	flag.StringVar(&cfg.KafkaGroupID, "g", "adegloba-core", "kafka consumer group id")
	flag.DurationVar(&cfg.RetryInterval, "i", 15*time.Second, "deferred fulfillment retry interval")

	flag.Parse()

	if envValues.RunAddress != "" {
		cfg.RunAddress = envValues.RunAddress
	}
	if envValues.DatabaseURI != "" {
		cfg.DatabaseURI = envValues.DatabaseURI
	}
	if envValues.WebhookSecret != "" {
		cfg.WebhookSecret = envValues.WebhookSecret
	}
	if envValues.AdminKey != "" {
		cfg.AdminKey = envValues.AdminKey
	}
	if envValues.TiersFile != "" {
		cfg.TiersFile = envValues.TiersFile
	}
	if envValues.KafkaBrokers != "" {
		cfg.KafkaBrokers = envValues.KafkaBrokers
	}
	if envValues.KafkaGroupID != "" {
		cfg.KafkaGroupID = envValues.KafkaGroupID
	}
	if envValues.RetryInterval != 0 {
		cfg.RetryInterval = envValues.RetryInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// BrokerList разбирает список брокеров Kafka из строки с запятыми.
func (c *Config) BrokerList() []string {
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
