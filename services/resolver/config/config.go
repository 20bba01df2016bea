package config

import "github.com/spf13/viper"

// Config holds typed configuration for the resolver service.
type Config struct {
	LogLevel         string
	MetricsAddr      string
	KafkaBrokers     string
	RedisAddr        string
	PostgresDSN      string
	CredentialSecret string
	OTelEndpoint     string
	Parallelism      int
	ExpirySchedule   string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		MetricsAddr:      v.GetString("metrics_addr"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		RedisAddr:        v.GetString("redis_addr"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		CredentialSecret: v.GetString("credential_secret"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		Parallelism:      v.GetInt("parallelism"),
		ExpirySchedule:   v.GetString("expiry_schedule"),
	}
}
