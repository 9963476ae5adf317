package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds all configuration for the broker.
// Tags use mapstructure for Viper unmarshalling.
type ServerConfig struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogPretty   bool   `mapstructure:"LOG_PRETTY"`

	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Redis token hot-cache; when RedisAddr is empty the in-process
	// ttlcache implementation is used instead.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Open Finance provider endpoints.
	ParEndpoint   string `mapstructure:"OF_PAR_ENDPOINT"`
	AuthEndpoint  string `mapstructure:"OF_AUTH_ENDPOINT"`
	TokenEndpoint string `mapstructure:"OF_TOKEN_ENDPOINT"`
	DataBaseURL   string `mapstructure:"OF_DATA_BASE_URL"`

	// Client registration with the provider.
	ClientID    string `mapstructure:"OF_CLIENT_ID"`
	RedirectURI string `mapstructure:"OF_REDIRECT_URI"`
	SigningKid  string `mapstructure:"OF_SIGNING_KID"`

	// PEM material. Inline PEM wins over path when both are set.
	SigningKeyPEM     string `mapstructure:"OF_SIGNING_KEY_PEM"`
	SigningKeyPath    string `mapstructure:"OF_SIGNING_KEY_PATH"`
	EncryptionKeyPEM  string `mapstructure:"OF_ENCRYPTION_PUBKEY_PEM"`
	EncryptionKeyPath string `mapstructure:"OF_ENCRYPTION_PUBKEY_PATH"`
	EncryptionKid     string `mapstructure:"OF_ENCRYPTION_KID"`

	HTTPTimeoutSec    int `mapstructure:"OF_HTTP_TIMEOUT_SEC"`
	AccountFanOutMax  int `mapstructure:"OF_ACCOUNT_FANOUT_MAX"`
	RecentCodeBufSize int `mapstructure:"RECENT_CODE_BUFFER_SIZE"`
}

// HTTPTimeout returns the per-call timeout for outbound provider requests.
func (c *ServerConfig) HTTPTimeout() time.Duration {
	if c.HTTPTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/consent-broker/")
	v.AddConfigPath("$HOME/.consent-broker")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("MONGO_DB_NAME", "consent_broker_dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("OTEL_SERVICE_NAME", "consent-broker")
	v.SetDefault("OF_SIGNING_KID", "broker-signing-key")
	v.SetDefault("OF_HTTP_TIMEOUT_SEC", 15)
	v.SetDefault("OF_ACCOUNT_FANOUT_MAX", 4)
	v.SetDefault("RECENT_CODE_BUFFER_SIZE", 32)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
