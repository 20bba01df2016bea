package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the gateway service.
type Config struct {
	LogLevel         string
	HTTPPort         string
	MetricsAddr      string
	KafkaBrokers     string
	RedisAddr        string
	PostgresDSN      string
	CredentialSecret string
	OTelEndpoint     string
	RateLimit        int
	ClaimTimeout     time.Duration
	DeadlineDelay    time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		HTTPPort:         v.GetString("http_port"),
		MetricsAddr:      v.GetString("metrics_addr"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		RedisAddr:        v.GetString("redis_addr"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		CredentialSecret: v.GetString("credential_secret"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		RateLimit:        v.GetInt("rate_limit"),
		ClaimTimeout:     v.GetDuration("claim_timeout"),
		DeadlineDelay:    v.GetDuration("deadline_delay"),
	}
}
