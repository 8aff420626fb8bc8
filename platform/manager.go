// Package platform bridges a call's logical lifetime to OS-level guarantees:
// continued execution while backgrounded, a native call surface on the lock
// screen, and a floating mini-call affordance when the full call UI is not
// visible.
//
// All three facilities degrade gracefully. A facility that cannot be
// obtained is logged and skipped; it never aborts the call.
package platform

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Integration is the injected set of OS hooks. Implementations may fail any
// call; the manager treats failures as degradation, not as errors to the
// caller.
type Integration interface {
	// AcquireBackgroundGrant requests continued execution while the app is
	// backgrounded, keeping camera and microphone access alive.
	AcquireBackgroundGrant() error

	// ReleaseBackgroundGrant releases a previously acquired grant.
	ReleaseBackgroundGrant() error

	// RegisterCallSurface surfaces the call on the device's system call UI.
	RegisterCallSurface(callID string) error

	// UnregisterCallSurface removes the call from the system call UI.
	UnregisterCallSurface(callID string) error

	// ShowFloatingWindow shows the persistent mini-call affordance.
	ShowFloatingWindow(callID string) error

	// HideFloatingWindow hides the mini-call affordance.
	HideFloatingWindow(callID string) error
}

// NoopIntegration satisfies Integration with no platform hooks, for hosts
// (servers, tests) that have no OS call surface.
type NoopIntegration struct{}

func (NoopIntegration) AcquireBackgroundGrant() error      { return nil }
func (NoopIntegration) ReleaseBackgroundGrant() error      { return nil }
func (NoopIntegration) RegisterCallSurface(string) error   { return nil }
func (NoopIntegration) UnregisterCallSurface(string) error { return nil }
func (NoopIntegration) ShowFloatingWindow(string) error    { return nil }
func (NoopIntegration) HideFloatingWindow(string) error    { return nil }

// Manager applies the visibility policy:
//
//   - background grant held while a session is active and the app is
//     backgrounded
//   - call surface registered while a session is active
//   - floating window visible while a session is active and the full call
//     UI is not on screen
//
// Every facility toggle is idempotent; the manager only calls the
// integration when the desired state differs from the held state.
type Manager struct {
	integration Integration

	mu         sync.Mutex
	callID     string
	active     bool
	foreground bool

	grantHeld       bool
	surfaceUp       bool
	floatingVisible bool
}

// NewManager creates a manager over the given integration. A nil integration
// gets the no-op default.
func NewManager(integration Integration) *Manager {
	if integration == nil {
		integration = NoopIntegration{}
	}
	return &Manager{
		integration: integration,
		foreground:  true,
	}
}

// SessionActive marks a session as entering or leaving the non-idle states
// and reconciles the facilities.
func (m *Manager) SessionActive(callID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = active
	if active {
		m.callID = callID
	}
	m.apply()
	if !active {
		m.callID = ""
	}
}

// AppForeground records whether the full call UI is visible and reconciles
// the facilities. The floating affordance hides the instant the full UI
// regains visibility.
func (m *Manager) AppForeground(foreground bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.foreground = foreground
	m.apply()
}

// ReleaseAll unconditionally drops every facility. Teardown calls this so
// grants never outlive the session, even on error paths.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	m.apply()
	m.callID = ""
}

// apply reconciles held facilities with the desired state. Callers hold mu.
func (m *Manager) apply() {
	wantGrant := m.active && !m.foreground
	wantSurface := m.active
	wantFloating := m.active && !m.foreground

	if wantGrant && !m.grantHeld {
		if err := m.integration.AcquireBackgroundGrant(); err != nil {
			logrus.WithFields(logrus.Fields{
				"call_id": m.callID,
				"error":   err.Error(),
			}).Warn("Background execution grant unavailable, call continues without it")
		} else {
			m.grantHeld = true
		}
	} else if !wantGrant && m.grantHeld {
		if err := m.integration.ReleaseBackgroundGrant(); err != nil {
			logrus.WithFields(logrus.Fields{
				"call_id": m.callID,
				"error":   err.Error(),
			}).Warn("Failed to release background execution grant")
		}
		m.grantHeld = false
	}

	if wantSurface && !m.surfaceUp {
		if err := m.integration.RegisterCallSurface(m.callID); err != nil {
			logrus.WithFields(logrus.Fields{
				"call_id": m.callID,
				"error":   err.Error(),
			}).Warn("Native call surface registration failed, falling back to floating affordance")
		} else {
			m.surfaceUp = true
		}
	} else if !wantSurface && m.surfaceUp {
		if err := m.integration.UnregisterCallSurface(m.callID); err != nil {
			logrus.WithFields(logrus.Fields{
				"call_id": m.callID,
				"error":   err.Error(),
			}).Warn("Failed to unregister native call surface")
		}
		m.surfaceUp = false
	}

	if wantFloating && !m.floatingVisible {
		if err := m.integration.ShowFloatingWindow(m.callID); err != nil {
			logrus.WithFields(logrus.Fields{
				"call_id": m.callID,
				"error":   err.Error(),
			}).Warn("Failed to show floating call affordance")
		} else {
			m.floatingVisible = true
		}
	} else if !wantFloating && m.floatingVisible {
		if err := m.integration.HideFloatingWindow(m.callID); err != nil {
			logrus.WithFields(logrus.Fields{
				"call_id": m.callID,
				"error":   err.Error(),
			}).Warn("Failed to hide floating call affordance")
		}
		m.floatingVisible = false
	}
}

// GrantHeld reports whether the background execution grant is held.
func (m *Manager) GrantHeld() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grantHeld
}

// SurfaceRegistered reports whether the native call surface is registered.
func (m *Manager) SurfaceRegistered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.surfaceUp
}

// FloatingVisible reports whether the floating affordance is shown.
func (m *Manager) FloatingVisible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.floatingVisible
}
