package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Env holds the environment-sourced settings. Flags in cmd/server may
// override the connection endpoints and the signing secret.
type Env struct {
	ServerAddr     string   `envconfig:"SERVER_ADDR" default:"localhost:8000"`
	RedisURL       string   `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	SigningSecret  string   `envconfig:"SIGNING_SECRET"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	MaxConnections            int           `envconfig:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIdentity int           `envconfig:"MAX_CONNECTIONS_PER_IDENTITY" default:"8"`
	IdleTimeout               time.Duration `envconfig:"IDLE_TIMEOUT" default:"5m"`
	SweepInterval             time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`

	DeliveryAckWindow time.Duration `envconfig:"DELIVERY_ACK_WINDOW" default:"2s"`
	DeliveryQueueSize int           `envconfig:"DELIVERY_QUEUE_SIZE" default:"4096"`
	DeliveryWorkers   int           `envconfig:"DELIVERY_WORKERS" default:"4"`
	BatchSize         int           `envconfig:"BATCH_SIZE" default:"100"`
	BatchInterval     time.Duration `envconfig:"BATCH_INTERVAL" default:"1s"`

	EditWindow time.Duration `envconfig:"EDIT_WINDOW" default:"5m"`
}

type Config struct {
	ServerAddr     string
	RedisURL       string
	SigningKey     []byte
	AllowedOrigins []string

	MaxConnections            int
	MaxConnectionsPerIdentity int
	IdleTimeout               time.Duration
	SweepInterval             time.Duration

	DeliveryAckWindow time.Duration
	DeliveryQueueSize int
	DeliveryWorkers   int
	BatchSize         int
	BatchInterval     time.Duration

	EditWindow time.Duration
}

// LoadEnv reads settings from RELAY_-prefixed environment variables.
func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process("relay", &env); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	return &env, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(env *Env) (*Config, error) {
	if env.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if env.RedisURL == "" {
		return nil, fmt.Errorf("redis URL cannot be empty")
	}
	if env.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(env.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if env.MaxConnections <= 0 {
		return nil, fmt.Errorf("max connections must be positive")
	}
	if env.MaxConnectionsPerIdentity <= 0 {
		return nil, fmt.Errorf("max connections per identity must be positive")
	}
	if env.DeliveryWorkers <= 0 {
		return nil, fmt.Errorf("delivery workers must be positive")
	}

	return &Config{
		ServerAddr:                env.ServerAddr,
		RedisURL:                  env.RedisURL,
		SigningKey:                signingKey,
		AllowedOrigins:            env.AllowedOrigins,
		MaxConnections:            env.MaxConnections,
		MaxConnectionsPerIdentity: env.MaxConnectionsPerIdentity,
		IdleTimeout:               env.IdleTimeout,
		SweepInterval:             env.SweepInterval,
		DeliveryAckWindow:         env.DeliveryAckWindow,
		DeliveryQueueSize:         env.DeliveryQueueSize,
		DeliveryWorkers:           env.DeliveryWorkers,
		BatchSize:                 env.BatchSize,
		BatchInterval:             env.BatchInterval,
		EditWindow:                env.EditWindow,
	}, nil
}
