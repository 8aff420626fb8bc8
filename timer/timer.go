// Package timer provides the armed, cancelable one-shot countdowns that
// bound how long each side of a call waits: the inviter timeout on the
// caller and the invitee timeout on the callee.
package timer

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Subsystem arms named countdowns. It holds no state of its own; each Arm
// returns an independent handle.
type Subsystem struct{}

// New creates a timer subsystem.
func New() *Subsystem {
	return &Subsystem{}
}

// Handle is one armed countdown. It fires its callback at most once and
// never after Cancel has returned.
type Handle struct {
	name     string
	mu       sync.Mutex
	t        *time.Timer
	fired    bool
	canceled bool
}

// Arm starts a countdown that invokes onExpire after d, unless canceled
// first. The name is used only for logging.
func (s *Subsystem) Arm(name string, d time.Duration, onExpire func()) *Handle {
	h := &Handle{name: name}
	h.t = time.AfterFunc(d, func() {
		h.mu.Lock()
		if h.canceled {
			h.mu.Unlock()
			return
		}
		h.fired = true
		h.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"timer":    name,
			"duration": d,
		}).Debug("Timer expired")
		if onExpire != nil {
			onExpire()
		}
	})
	logrus.WithFields(logrus.Fields{
		"timer":    name,
		"duration": d,
	}).Debug("Timer armed")
	return h
}

// Cancel disarms the countdown. It is a no-op if the timer already fired or
// was already canceled, so callers may cancel unconditionally on teardown.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fired || h.canceled {
		return
	}
	h.canceled = true
	h.t.Stop()
	logrus.WithFields(logrus.Fields{
		"timer": h.name,
	}).Debug("Timer canceled")
}

// Fired reports whether the countdown expired and ran its callback.
func (h *Handle) Fired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fired
}

// Canceled reports whether the countdown was canceled before firing.
func (h *Handle) Canceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}
