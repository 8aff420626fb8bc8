package callkit

import "errors"

// Sentinel errors for controller operations. These enable reliable error
// classification with errors.Is().

// Call initiation errors.
var (
	// ErrAlreadyInCall indicates a non-idle session already exists.
	ErrAlreadyInCall = errors.New("a call session is already active")

	// ErrNotAuthenticated indicates the messaging transport has no active
	// identity.
	ErrNotAuthenticated = errors.New("messaging transport has no active identity")

	// ErrEmptyPeer indicates an empty peer id.
	ErrEmptyPeer = errors.New("peer id is empty")

	// ErrEmptyGroup indicates an empty group id.
	ErrEmptyGroup = errors.New("group id is empty")

	// ErrNoInvitees indicates an empty invitee list for a group call.
	ErrNoInvitees = errors.New("invitee list is empty")

	// ErrTooManyInvitees indicates the invitee list exceeds the configured
	// group participant limit.
	ErrTooManyInvitees = errors.New("invitee count exceeds group participant limit")

	// ErrInvalidCallType indicates a call type outside the supported set.
	ErrInvalidCallType = errors.New("invalid call type")
)

// Call control errors.
var (
	// ErrNoActiveCall indicates no session is in progress.
	ErrNoActiveCall = errors.New("no active call session")

	// ErrInvalidState indicates the operation is not legal in the current
	// call state.
	ErrInvalidState = errors.New("operation not legal in current call state")

	// ErrNotVideoCall indicates a downgrade request on a non-video session.
	ErrNotVideoCall = errors.New("call is not a video call")
)

// Configuration errors.
var (
	// ErrInvalidTimeout indicates a non-positive timeout duration.
	ErrInvalidTimeout = errors.New("timeout must be positive")

	// ErrInvalidParticipantLimit indicates a group participant limit below 2.
	ErrInvalidParticipantLimit = errors.New("group participant limit must be at least 2")
)

// ErrorKind classifies errors surfaced through the error callback, keeping
// the originating layer visible to the host application.
type ErrorKind uint8

const (
	// ErrorKindBusiness marks a rejected operation (wrong state, bad input).
	ErrorKindBusiness ErrorKind = iota
	// ErrorKindTransport marks messaging transport failures.
	ErrorKindTransport
	// ErrorKindMedia marks media engine failures.
	ErrorKindMedia
)

// String returns a stable label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindBusiness:
		return "business"
	case ErrorKindTransport:
		return "transport"
	case ErrorKindMedia:
		return "media"
	}
	return "unknown"
}

// Error codes delivered with the error callback.
const (
	// CodeSignalSendFailed marks a failed signaling send.
	CodeSignalSendFailed = 2001
	// CodeMediaJoinFailed marks a failed media channel join.
	CodeMediaJoinFailed = 3001
)
