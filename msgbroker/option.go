package msgbroker

import (
	"errors"
	"time"
)

// DefaultRegisterHandlerConfig is the default handler configuration.
var DefaultRegisterHandlerConfig = RegisterHandlerConfig{
	AckDeadline: time.Second * 10,
}

// RegisterHandlerConfig configures a topic subscription.
type RegisterHandlerConfig struct {
	AckDeadline time.Duration
}

// Option applies a configuration change.
type Option func(*RegisterHandlerConfig) error

// WithACKDeadline configures the deadline for the message broker subscription.
func WithACKDeadline(deadline time.Duration) Option {
	return func(c *RegisterHandlerConfig) error {
		if deadline < time.Second*10 || deadline > time.Minute*10 {
			return errors.New("ack deadline must be between 10s and 10m")
		}
		c.AckDeadline = deadline
		return nil
	}
}

// ApplyRegisterHandlerOptions applies opts over the default configuration.
func ApplyRegisterHandlerOptions(opts ...Option) (RegisterHandlerConfig, error) {
	config := DefaultRegisterHandlerConfig
	for _, opt := range opts {
		if err := opt(&config); err != nil {
			return RegisterHandlerConfig{}, err
		}
	}

	return config, nil
}
