// Package signaling defines the call signaling vocabulary exchanged between
// peers over the messaging transport and the handler that bridges it to the
// call lifecycle controller.
//
// The wire unit is a small JSON envelope carried inside an instant message.
// Envelopes are immutable once sent; the protocol has no retraction, so
// correctness relies on state validation at the receiver rather than on
// ordered delivery.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action identifies one of the fixed call signaling actions.
//
// Each action has a stable wire string; the programmatic tag and the wire
// value are mapped through an explicit bidirectional table so that unknown
// wire values fail decoding instead of aliasing to a valid action.
type Action uint8

const (
	// ActionInvite proposes a call (caller).
	ActionInvite Action = iota
	// ActionAlert is the ring-ack: the callee process is reachable and ringing.
	ActionAlert
	// ActionConfirmRing is the caller's optional ack of the ring-ack.
	// It is advisory; receivers apply no state transition for it.
	ActionConfirmRing
	// ActionCancelCall aborts a call before it is answered (caller).
	ActionCancelCall
	// ActionAnswerCall accepts a call (callee).
	ActionAnswerCall
	// ActionConfirmCallee carries the callee's outcome: busy, accept or refuse.
	ActionConfirmCallee
	// ActionVideoToVoice downgrades an in-progress video call to audio-only.
	ActionVideoToVoice
	// ActionLeaveCall hangs up an answered call.
	ActionLeaveCall
)

// actionWire maps each action tag to its wire string.
var actionWire = map[Action]string{
	ActionInvite:        "invite",
	ActionAlert:         "alert",
	ActionConfirmRing:   "confirm-ring",
	ActionCancelCall:    "cancel-call",
	ActionAnswerCall:    "answer-call",
	ActionConfirmCallee: "confirm-callee",
	ActionVideoToVoice:  "video-to-voice",
	ActionLeaveCall:     "leave-call",
}

// wireAction is the inverse of actionWire, built once at init.
var wireAction = func() map[string]Action {
	m := make(map[string]Action, len(actionWire))
	for a, s := range actionWire {
		m[s] = a
	}
	return m
}()

// String returns the wire string for the action, or "unknown" for an
// unmapped tag.
func (a Action) String() string {
	if s, ok := actionWire[a]; ok {
		return s
	}
	return "unknown"
}

// ParseAction maps a wire string back to its action tag.
func ParseAction(s string) (Action, error) {
	if a, ok := wireAction[s]; ok {
		return a, nil
	}
	return 0, fmt.Errorf("unknown signaling action %q", s)
}

// MarshalJSON encodes the action as its wire string.
func (a Action) MarshalJSON() ([]byte, error) {
	s, ok := actionWire[a]
	if !ok {
		return nil, fmt.Errorf("cannot marshal unknown action tag %d", a)
	}
	return json.Marshal(s)
}

// UnmarshalJSON decodes an action from its wire string.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// CallType distinguishes the three supported call flavors.
type CallType string

const (
	CallTypeSingleAudio CallType = "single-audio"
	CallTypeSingleVideo CallType = "single-video"
	CallTypeGroup       CallType = "group"
)

// Valid reports whether the call type is one of the defined values.
func (t CallType) Valid() bool {
	switch t {
	case CallTypeSingleAudio, CallTypeSingleVideo, CallTypeGroup:
		return true
	}
	return false
}

// Result is the callee outcome carried on a confirm-callee action.
type Result string

const (
	ResultBusy   Result = "busy"
	ResultAccept Result = "accept"
	ResultRefuse Result = "refuse"
)

// Valid reports whether the result is one of the defined values.
func (r Result) Valid() bool {
	switch r {
	case ResultBusy, ResultAccept, ResultRefuse:
		return true
	}
	return false
}

// Envelope is one discrete signaling message.
//
// CallID identifies the session at both ends and across every device of both
// accounts. Result is present only on confirm-callee. Extension is an opaque
// application payload never interpreted by the state machine.
type Envelope struct {
	Action         Action   `json:"action"`
	CallID         string   `json:"callId"`
	ChannelName    string   `json:"channelName,omitempty"`
	Type           CallType `json:"type,omitempty"`
	CallerDeviceID string   `json:"callerDeviceId,omitempty"`
	CalleeDeviceID string   `json:"calleeDeviceId,omitempty"`
	GroupID        string   `json:"groupId,omitempty"`
	Result         Result   `json:"result,omitempty"`
	Timestamp      int64    `json:"timestamp"`
	Extension      string   `json:"extension,omitempty"`
}

// Validation errors for envelope encode/decode.
var (
	// ErrNilEnvelope indicates an attempt to encode a nil envelope.
	ErrNilEnvelope = errors.New("envelope is nil")

	// ErrMissingCallID indicates an envelope without a call identifier.
	ErrMissingCallID = errors.New("envelope has no call id")

	// ErrInvalidResult indicates a confirm-callee without a valid result.
	ErrInvalidResult = errors.New("confirm-callee carries an invalid result")

	// ErrInvalidCallType indicates an envelope with an unknown call type.
	ErrInvalidCallType = errors.New("envelope has an invalid call type")
)

// validate checks the structural invariants shared by encode and decode.
func (e *Envelope) validate() error {
	if e.CallID == "" {
		return ErrMissingCallID
	}
	if e.Action == ActionConfirmCallee && !e.Result.Valid() {
		return ErrInvalidResult
	}
	if e.Type != "" && !e.Type.Valid() {
		return ErrInvalidCallType
	}
	return nil
}

// Encode serializes the envelope for transmission.
func (e *Envelope) Encode() ([]byte, error) {
	if e == nil {
		return nil, ErrNilEnvelope
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates an inbound envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
