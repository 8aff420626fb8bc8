package callkit

import (
	"time"

	"github.com/ringbell/callkit/signaling"
)

// CallState is the lifecycle state of the local session.
type CallState uint8

const (
	// StateIdle indicates no call is in progress.
	StateIdle CallState = iota
	// StateOutgoing indicates an invite has been sent and no answer received.
	StateOutgoing
	// StateAlerting indicates an inbound invite is ringing locally.
	StateAlerting
	// StateAnswered indicates the call is connected.
	StateAnswered
)

// String returns a stable label for the state.
func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateAlerting:
		return "alerting"
	case StateAnswered:
		return "answered"
	}
	return "unknown"
}

// Role fixes which side of the session this process is.
type Role uint8

const (
	RoleNone Role = iota
	RoleCaller
	RoleCallee
)

// String returns a stable label for the role.
func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	}
	return "none"
}

// EndReason is the terminal outcome reported when a session returns to idle.
type EndReason string

const (
	// ReasonCancel: the caller aborted before answer.
	ReasonCancel EndReason = "cancel"
	// ReasonRefuse: the callee declined.
	ReasonRefuse EndReason = "refuse"
	// ReasonBusy: the callee was already in a call.
	ReasonBusy EndReason = "busy"
	// ReasonHangup: an answered call ended normally.
	ReasonHangup EndReason = "hangup"
	// ReasonNoResponse: the local countdown expired with no response.
	ReasonNoResponse EndReason = "no-response"
	// ReasonRemoteNoResponse: the remote side rang but never answered.
	ReasonRemoteNoResponse EndReason = "remote-no-response"
	// ReasonHandledElsewhere: another device of the same account took the
	// call. A designed outcome of the multi-device race, not an error.
	ReasonHandledElsewhere EndReason = "handled-on-other-device"
	// ReasonTransportError: a messaging transport failure forced teardown.
	ReasonTransportError EndReason = "transport-error"
	// ReasonMediaError: a media engine failure forced teardown.
	ReasonMediaError EndReason = "media-error"
)

// CallSession is the single mutable record of an in-progress or terminating
// call. The controller hands out value copies; only the controller mutates
// the live record, and CallID and ChannelName are write-once for the life of
// the session.
type CallSession struct {
	// CallID uniquely identifies the session across both ends and across
	// all devices of both accounts.
	CallID string

	// ChannelName is the media-transport room identifier, generated once by
	// the initiating side and never regenerated mid-session.
	ChannelName string

	// Type is immutable except for the signaled video-to-voice downgrade.
	Type signaling.CallType

	// State is mutated only by the controller.
	State CallState

	// LocalRole is fixed at session creation.
	LocalRole Role

	// PeerID and PeerDeviceID identify the remote party and, for
	// multi-device accounts, the device treated as authoritative.
	PeerID       string
	PeerDeviceID string

	// GroupID is set only for group sessions.
	GroupID string

	// Invitees is the fan-out list of a group session.
	Invitees []string

	// Extension is an opaque application payload carried end-to-end.
	Extension string

	// StartedAt and ConnectedAt support ring and call duration accounting.
	StartedAt   time.Time
	ConnectedAt time.Time
}

// Active reports whether the session is in any non-idle state.
func (s CallSession) Active() bool {
	return s.State != StateIdle
}
