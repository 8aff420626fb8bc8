package callkit

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the tunable constants exposed to the host application.
type Config struct {
	// InviterTimeout bounds how long a caller waits for any response.
	InviterTimeout time.Duration `env:"CALLKIT_INVITER_TIMEOUT" envDefault:"30s"`

	// InviteeTimeout bounds how long a callee may leave a call ringing.
	InviteeTimeout time.Duration `env:"CALLKIT_INVITEE_TIMEOUT" envDefault:"10s"`

	// MaxGroupParticipants caps the invitee fan-out of a group call.
	MaxGroupParticipants int `env:"CALLKIT_MAX_GROUP_PARTICIPANTS" envDefault:"9"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		InviterTimeout:       30 * time.Second,
		InviteeTimeout:       10 * time.Second,
		MaxGroupParticipants: 9,
	}
}

// LoadConfig reads configuration from the environment, honoring an optional
// .env file in the working directory.
func LoadConfig() (Config, error) {
	// Missing .env is the normal case, not an error.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unusable values.
func (c Config) Validate() error {
	if c.InviterTimeout <= 0 || c.InviteeTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxGroupParticipants < 2 {
		return ErrInvalidParticipantLimit
	}
	return nil
}
