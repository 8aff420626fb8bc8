package callkit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.InviterTimeout)
	assert.Equal(t, 10*time.Second, cfg.InviteeTimeout)
	assert.Equal(t, 9, cfg.MaxGroupParticipants)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InviterTimeout = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidTimeout)

	cfg = DefaultConfig()
	cfg.InviteeTimeout = -time.Second
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidTimeout)

	cfg = DefaultConfig()
	cfg.MaxGroupParticipants = 1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidParticipantLimit)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("CALLKIT_INVITER_TIMEOUT", "45s")
	t.Setenv("CALLKIT_INVITEE_TIMEOUT", "15s")
	t.Setenv("CALLKIT_MAX_GROUP_PARTICIPANTS", "4")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.InviterTimeout)
	assert.Equal(t, 15*time.Second, cfg.InviteeTimeout)
	assert.Equal(t, 4, cfg.MaxGroupParticipants)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("CALLKIT_INVITER_TIMEOUT", "0s")
	_, err := LoadConfig()
	assert.ErrorIs(t, err, ErrInvalidTimeout)
}
