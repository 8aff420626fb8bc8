package callkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ringbell/callkit/directory"
	"github.com/ringbell/callkit/platform"
	"github.com/ringbell/callkit/signaling"
	"github.com/ringbell/callkit/timer"
)

// MediaEngine is the media collaborator the controller consumes. Join is
// handed the session context so pending joins are canceled by teardown.
// Its own join/leave events are inputs to controller-visible state and never
// drive the lifecycle state machine.
type MediaEngine interface {
	Join(ctx context.Context, channelName string) error
	Leave(channelName string) error
	Mute(muted bool) error
}

// Dependencies are the injected collaborators. Transport is required;
// everything else is optional and degrades to a no-op.
type Dependencies struct {
	Transport signaling.Transport
	Media     MediaEngine
	Platform  platform.Integration
	Directory *directory.Cache
}

// Controller owns the single authoritative CallSession and drives the
// idle → outgoing/alerting → answered → idle state machine.
//
// All public operations and inbound envelope deliveries are serialized
// through one mutex (single-writer discipline). Timer expiries and transport
// deliveries re-enter through the same serialized path. Host callbacks are
// always invoked after the lock is released.
type Controller struct {
	cfg      Config
	signaler *signaling.Handler
	media    MediaEngine
	platform *platform.Manager
	dir      *directory.Cache
	timers   *timer.Subsystem

	mu            sync.Mutex
	session       CallSession
	peerAlerted   bool
	localUserID   string
	localDeviceID string
	timerHandle   *timer.Handle
	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	onIncomingCall    func(session CallSession)
	onCallEnded       func(reason EndReason)
	onStateChanged    func(oldState, newState CallState)
	onRemoteJoined    func(peerID string)
	onRemoteLeft      func(peerID string)
	onCallTypeChanged func(callType signaling.CallType)
	onError           func(kind ErrorKind, code int, message string)
}

// New creates a controller over the injected collaborators. Controllers are
// independent; tests and multi-tenant hosts may instantiate several.
func New(cfg Config, deps Dependencies) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	signaler, err := signaling.NewHandler(deps.Transport)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		signaler: signaler,
		media:    deps.Media,
		platform: platform.NewManager(deps.Platform),
		dir:      deps.Directory,
		timers:   timer.New(),
	}
	signaler.Attach(c)

	logrus.WithFields(logrus.Fields{
		"inviter_timeout": cfg.InviterTimeout,
		"invitee_timeout": cfg.InviteeTimeout,
		"max_group":       cfg.MaxGroupParticipants,
	}).Info("Call controller created")
	return c, nil
}

// Callback registration. Unset callbacks are skipped.

// CallbackIncomingCall registers the handler invoked when an inbound invite
// starts ringing locally. The session snapshot is passed by value.
func (c *Controller) CallbackIncomingCall(f func(session CallSession)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIncomingCall = f
}

// CallbackCallEnded registers the handler invoked exactly once per session
// when it reaches a terminal state.
func (c *Controller) CallbackCallEnded(f func(reason EndReason)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCallEnded = f
}

// CallbackStateChanged registers the handler invoked on every transition.
func (c *Controller) CallbackStateChanged(f func(oldState, newState CallState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChanged = f
}

// CallbackRemoteJoined registers the handler for media-engine join events.
func (c *Controller) CallbackRemoteJoined(f func(peerID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoteJoined = f
}

// CallbackRemoteLeft registers the handler for media-engine leave events.
func (c *Controller) CallbackRemoteLeft(f func(peerID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoteLeft = f
}

// CallbackCallTypeChanged registers the handler for the video-to-voice
// downgrade.
func (c *Controller) CallbackCallTypeChanged(f func(callType signaling.CallType)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCallTypeChanged = f
}

// CallbackError registers the handler for transport and media errors.
func (c *Controller) CallbackError(f func(kind ErrorKind, code int, message string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = f
}

// Session returns a snapshot of the current session.
func (c *Controller) Session() CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.session
	if len(c.session.Invitees) > 0 {
		snapshot.Invitees = append([]string(nil), c.session.Invitees...)
	}
	return snapshot
}

// StartCall initiates a one-to-one call: allocates the call and channel ids,
// moves to outgoing, emits the invite and arms the inviter timer.
func (c *Controller) StartCall(peerID string, callType signaling.CallType, extension string) error {
	if peerID == "" {
		return ErrEmptyPeer
	}
	if callType != signaling.CallTypeSingleAudio && callType != signaling.CallTypeSingleVideo {
		return ErrInvalidCallType
	}

	c.mu.Lock()
	if c.session.Active() {
		c.mu.Unlock()
		return ErrAlreadyInCall
	}
	userID, deviceID, err := c.signaler.LocalIdentity()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}

	callID := uuid.NewString()
	channelName := uuid.NewString()
	c.beginSessionLocked(CallSession{
		CallID:      callID,
		ChannelName: channelName,
		Type:        callType,
		State:       StateOutgoing,
		LocalRole:   RoleCaller,
		PeerID:      peerID,
		Extension:   extension,
		StartedAt:   time.Now(),
	}, userID, deviceID)
	c.timerHandle = c.timers.Arm("inviter", c.cfg.InviterTimeout, func() {
		c.onInviterTimeout(callID)
	})

	logrus.WithFields(logrus.Fields{
		"call_id": callID,
		"channel": channelName,
		"peer_id": peerID,
		"type":    callType,
	}).Info("Starting outgoing call")

	invite := &signaling.Envelope{
		Action:         signaling.ActionInvite,
		CallID:         callID,
		ChannelName:    channelName,
		Type:           callType,
		CallerDeviceID: deviceID,
		Extension:      extension,
	}
	if sendErr := c.signaler.Send(peerID, invite); sendErr != nil {
		notify := c.errorNotifyLocked(ErrorKindTransport, CodeSignalSendFailed, sendErr.Error())
		notify = append(notify, c.exitCallLocked(ReasonTransportError)...)
		c.mu.Unlock()
		runNotifications(notify)
		return fmt.Errorf("failed to send invite: %w", sendErr)
	}

	c.resolveDirectoryLocked(peerID)
	notify := c.stateNotifyLocked(StateIdle, StateOutgoing)
	c.mu.Unlock()
	runNotifications(notify)
	return nil
}

// StartGroupCall initiates a group call. Invitee selection happens
// out-of-band: the caller supplies the invitee ids, capped by the configured
// participant limit (invitees plus the caller).
func (c *Controller) StartGroupCall(groupID string, invitees []string, extension string) error {
	if groupID == "" {
		return ErrEmptyGroup
	}
	if len(invitees) == 0 {
		return ErrNoInvitees
	}
	if len(invitees)+1 > c.cfg.MaxGroupParticipants {
		return ErrTooManyInvitees
	}

	c.mu.Lock()
	if c.session.Active() {
		c.mu.Unlock()
		return ErrAlreadyInCall
	}
	userID, deviceID, err := c.signaler.LocalIdentity()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}

	callID := uuid.NewString()
	channelName := uuid.NewString()
	c.beginSessionLocked(CallSession{
		CallID:      callID,
		ChannelName: channelName,
		Type:        signaling.CallTypeGroup,
		State:       StateOutgoing,
		LocalRole:   RoleCaller,
		GroupID:     groupID,
		Invitees:    append([]string(nil), invitees...),
		Extension:   extension,
		StartedAt:   time.Now(),
	}, userID, deviceID)
	c.timerHandle = c.timers.Arm("inviter", c.cfg.InviterTimeout, func() {
		c.onInviterTimeout(callID)
	})

	logrus.WithFields(logrus.Fields{
		"call_id":  callID,
		"group_id": groupID,
		"invitees": len(invitees),
	}).Info("Starting group call")

	invite := &signaling.Envelope{
		Action:         signaling.ActionInvite,
		CallID:         callID,
		ChannelName:    channelName,
		Type:           signaling.CallTypeGroup,
		CallerDeviceID: deviceID,
		GroupID:        groupID,
		Extension:      extension,
	}
	sent, sendErr := c.signaler.Fanout(invitees, invite)
	if sent == 0 && sendErr != nil {
		notify := c.errorNotifyLocked(ErrorKindTransport, CodeSignalSendFailed, sendErr.Error())
		notify = append(notify, c.exitCallLocked(ReasonTransportError)...)
		c.mu.Unlock()
		runNotifications(notify)
		return fmt.Errorf("failed to send group invites: %w", sendErr)
	}
	var notify []func()
	if sendErr != nil {
		// Some invitees are unreachable; the call proceeds with the rest.
		notify = append(notify, c.errorNotifyLocked(ErrorKindTransport, CodeSignalSendFailed, sendErr.Error())...)
	}

	c.resolveDirectoryLocked(groupID)
	notify = append(notify, c.stateNotifyLocked(StateIdle, StateOutgoing)...)
	c.mu.Unlock()
	runNotifications(notify)
	return nil
}

// Accept answers a locally ringing call: disarms the invitee timer, emits
// the answer and hands the channel to the media engine.
func (c *Controller) Accept() error {
	c.mu.Lock()
	if !c.session.Active() {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if c.session.State != StateAlerting {
		c.mu.Unlock()
		return fmt.Errorf("%w: accept in %s", ErrInvalidState, c.session.State)
	}

	answer := &signaling.Envelope{
		Action:         signaling.ActionAnswerCall,
		CallID:         c.session.CallID,
		ChannelName:    c.session.ChannelName,
		Type:           c.session.Type,
		CallerDeviceID: c.session.PeerDeviceID,
		CalleeDeviceID: c.localDeviceID,
	}
	if sendErr := c.signaler.Send(c.session.PeerID, answer); sendErr != nil {
		notify := c.errorNotifyLocked(ErrorKindTransport, CodeSignalSendFailed, sendErr.Error())
		notify = append(notify, c.exitCallLocked(ReasonTransportError)...)
		c.mu.Unlock()
		runNotifications(notify)
		return fmt.Errorf("failed to send answer: %w", sendErr)
	}

	// Carry the outcome on confirm-callee as well so the caller and the
	// account's other devices converge on a single result.
	confirm := &signaling.Envelope{
		Action:         signaling.ActionConfirmCallee,
		CallID:         c.session.CallID,
		ChannelName:    c.session.ChannelName,
		Type:           c.session.Type,
		CallerDeviceID: c.session.PeerDeviceID,
		CalleeDeviceID: c.localDeviceID,
		Result:         signaling.ResultAccept,
	}
	if sendErr := c.signaler.Send(c.session.PeerID, confirm); sendErr != nil {
		logrus.WithFields(logrus.Fields{
			"call_id": c.session.CallID,
			"error":   sendErr.Error(),
		}).Warn("Failed to send confirm-callee after answer")
	}

	logrus.WithFields(logrus.Fields{
		"call_id": c.session.CallID,
		"channel": c.session.ChannelName,
	}).Info("Call accepted locally")

	notify := c.enterAnsweredLocked()
	c.mu.Unlock()
	runNotifications(notify)
	return nil
}

// Reject declines a locally ringing call.
func (c *Controller) Reject() error {
	c.mu.Lock()
	if !c.session.Active() {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if c.session.State != StateAlerting {
		c.mu.Unlock()
		return fmt.Errorf("%w: reject in %s", ErrInvalidState, c.session.State)
	}
	notify := c.rejectLocked()
	c.mu.Unlock()
	runNotifications(notify)
	return nil
}

// Cancel aborts an outgoing call before it is answered.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if !c.session.Active() {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if c.session.State != StateOutgoing {
		c.mu.Unlock()
		return fmt.Errorf("%w: cancel in %s", ErrInvalidState, c.session.State)
	}
	notify := c.cancelLocked()
	c.mu.Unlock()
	runNotifications(notify)
	return nil
}

// EndCall ends the session whatever its state: hangup when answered, cancel
// when outgoing, reject when alerting.
func (c *Controller) EndCall() error {
	c.mu.Lock()
	var notify []func()
	switch c.session.State {
	case StateIdle:
		c.mu.Unlock()
		return ErrNoActiveCall
	case StateOutgoing:
		notify = c.cancelLocked()
	case StateAlerting:
		notify = c.rejectLocked()
	case StateAnswered:
		notify = c.hangupLocked()
	}
	c.mu.Unlock()
	runNotifications(notify)
	return nil
}

// DowngradeToAudio performs the signaled video-to-voice downgrade, the only
// permitted mutation of the session type.
func (c *Controller) DowngradeToAudio() error {
	c.mu.Lock()
	if !c.session.Active() {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if c.session.Type != signaling.CallTypeSingleVideo {
		c.mu.Unlock()
		return ErrNotVideoCall
	}

	env := &signaling.Envelope{
		Action:         signaling.ActionVideoToVoice,
		CallID:         c.session.CallID,
		ChannelName:    c.session.ChannelName,
		Type:           signaling.CallTypeSingleAudio,
		CallerDeviceID: c.callerDeviceLocked(),
		CalleeDeviceID: c.calleeDeviceLocked(),
	}
	if sendErr := c.signaler.Send(c.session.PeerID, env); sendErr != nil {
		notify := c.errorNotifyLocked(ErrorKindTransport, CodeSignalSendFailed, sendErr.Error())
		if c.session.State != StateAnswered {
			notify = append(notify, c.exitCallLocked(ReasonTransportError)...)
		}
		c.mu.Unlock()
		runNotifications(notify)
		return fmt.Errorf("failed to send downgrade: %w", sendErr)
	}

	c.session.Type = signaling.CallTypeSingleAudio
	notify := c.typeNotifyLocked(signaling.CallTypeSingleAudio)
	logrus.WithFields(logrus.Fields{
		"call_id": c.session.CallID,
	}).Info("Call downgraded to audio-only")
	c.mu.Unlock()
	runNotifications(notify)
	return nil
}

// MuteLocalAudio delegates to the media engine. It never touches the state
// machine.
func (c *Controller) MuteLocalAudio(muted bool) error {
	c.mu.Lock()
	if !c.session.Active() {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	media := c.media
	c.mu.Unlock()
	if media == nil {
		return nil
	}
	if err := media.Mute(muted); err != nil {
		return fmt.Errorf("media mute failed: %w", err)
	}
	return nil
}

// SetAppForeground records whether the full call UI is visible, driving the
// background grant and floating affordance policy.
func (c *Controller) SetAppForeground(foreground bool) {
	logrus.WithFields(logrus.Fields{
		"foreground": foreground,
	}).Debug("App visibility changed")
	c.platform.AppForeground(foreground)
}

// NotifyRemoteJoined reports a media-engine join event. It updates presence
// callbacks only; it never drives the state machine.
func (c *Controller) NotifyRemoteJoined(peerID string) {
	c.mu.Lock()
	f := c.onRemoteJoined
	c.resolveDirectoryLocked(peerID)
	c.mu.Unlock()
	if f != nil {
		f(peerID)
	}
}

// NotifyRemoteLeft reports a media-engine leave event.
func (c *Controller) NotifyRemoteLeft(peerID string) {
	c.mu.Lock()
	f := c.onRemoteLeft
	c.mu.Unlock()
	if f != nil {
		f(peerID)
	}
}

// Close tears down any active session and detaches the controller.
func (c *Controller) Close() error {
	err := c.EndCall()
	if errors.Is(err, ErrNoActiveCall) {
		return nil
	}
	return err
}

// HandleEnvelope is the single entry point for inbound signaling. Envelopes
// that do not match the current session are dropped; this is the primary
// defense against stale and duplicate messages.
func (c *Controller) HandleEnvelope(from string, env *signaling.Envelope) {
	if env == nil {
		return
	}

	c.mu.Lock()
	var notify []func()
	if env.Action == signaling.ActionInvite {
		notify = c.handleInviteLocked(from, env)
	} else {
		if !c.session.Active() || env.CallID != c.session.CallID {
			logrus.WithFields(logrus.Fields{
				"action":        env.Action.String(),
				"envelope_call": env.CallID,
				"session_call":  c.session.CallID,
				"session_state": c.session.State.String(),
				"from":          from,
			}).Warn("Dropping envelope for unknown or stale call")
			c.mu.Unlock()
			return
		}
		notify = c.dispatchLocked(from, env)
	}
	c.mu.Unlock()
	runNotifications(notify)
}

// dispatchLocked applies a validated, session-matching envelope.
func (c *Controller) dispatchLocked(from string, env *signaling.Envelope) []func() {
	switch env.Action {
	case signaling.ActionAlert:
		return c.handleAlertLocked(env)

	case signaling.ActionConfirmRing:
		// Advisory only; no ordering requirement past "ringing".
		logrus.WithFields(logrus.Fields{
			"call_id": env.CallID,
			"from":    from,
		}).Debug("Ring confirmed by caller")
		return nil

	case signaling.ActionCancelCall:
		if c.session.LocalRole == RoleCallee && c.session.State == StateAlerting {
			return c.exitCallLocked(ReasonCancel)
		}
		return c.dropLocked(env, "cancel-call outside alerting")

	case signaling.ActionAnswerCall:
		return c.handleAnswerLocked(env)

	case signaling.ActionConfirmCallee:
		return c.handleConfirmCalleeLocked(env)

	case signaling.ActionVideoToVoice:
		if c.session.Type == signaling.CallTypeSingleVideo {
			c.session.Type = signaling.CallTypeSingleAudio
			logrus.WithFields(logrus.Fields{
				"call_id": env.CallID,
			}).Info("Peer downgraded call to audio-only")
			return c.typeNotifyLocked(signaling.CallTypeSingleAudio)
		}
		return c.dropLocked(env, "downgrade on non-video call")

	case signaling.ActionLeaveCall:
		if c.session.State == StateAnswered {
			return c.exitCallLocked(ReasonHangup)
		}
		return c.dropLocked(env, "leave-call outside answered")
	}
	return c.dropLocked(env, "unhandled action")
}

// handleInviteLocked applies an inbound invite: ring when idle, signal busy
// otherwise.
func (c *Controller) handleInviteLocked(from string, env *signaling.Envelope) []func() {
	if c.session.Active() {
		if env.CallID == c.session.CallID {
			return c.dropLocked(env, "duplicate invite for current call")
		}
		logrus.WithFields(logrus.Fields{
			"call_id":      env.CallID,
			"current_call": c.session.CallID,
			"from":         from,
		}).Info("Busy: rejecting concurrent invite")
		busy := &signaling.Envelope{
			Action:         signaling.ActionConfirmCallee,
			CallID:         env.CallID,
			ChannelName:    env.ChannelName,
			Type:           env.Type,
			CallerDeviceID: env.CallerDeviceID,
			CalleeDeviceID: c.localDeviceID,
			Result:         signaling.ResultBusy,
		}
		if err := c.signaler.Send(from, busy); err != nil {
			logrus.WithFields(logrus.Fields{
				"call_id": env.CallID,
				"error":   err.Error(),
			}).Warn("Failed to send busy signal")
		}
		return nil
	}

	if env.ChannelName == "" || !env.Type.Valid() {
		return c.dropLocked(env, "invite missing channel or type")
	}
	userID, deviceID, err := c.signaler.LocalIdentity()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"call_id": env.CallID,
			"error":   err.Error(),
		}).Warn("Dropping invite: no local identity")
		return nil
	}

	callID := env.CallID
	c.beginSessionLocked(CallSession{
		CallID:       callID,
		ChannelName:  env.ChannelName,
		Type:         env.Type,
		State:        StateAlerting,
		LocalRole:    RoleCallee,
		PeerID:       from,
		PeerDeviceID: env.CallerDeviceID,
		GroupID:      env.GroupID,
		Extension:    env.Extension,
		StartedAt:    time.Now(),
	}, userID, deviceID)
	c.timerHandle = c.timers.Arm("invitee", c.cfg.InviteeTimeout, func() {
		c.onInviteeTimeout(callID)
	})

	logrus.WithFields(logrus.Fields{
		"call_id": callID,
		"from":    from,
		"type":    env.Type,
	}).Info("Incoming call ringing")

	alert := &signaling.Envelope{
		Action:         signaling.ActionAlert,
		CallID:         callID,
		ChannelName:    env.ChannelName,
		Type:           env.Type,
		CallerDeviceID: env.CallerDeviceID,
		CalleeDeviceID: deviceID,
	}
	if sendErr := c.signaler.Send(from, alert); sendErr != nil {
		notify := c.errorNotifyLocked(ErrorKindTransport, CodeSignalSendFailed, sendErr.Error())
		return append(notify, c.exitCallLocked(ReasonTransportError)...)
	}

	c.resolveDirectoryLocked(from)
	if env.GroupID != "" {
		c.resolveDirectoryLocked(env.GroupID)
	}

	notify := c.stateNotifyLocked(StateIdle, StateAlerting)
	if c.onIncomingCall != nil {
		f := c.onIncomingCall
		snapshot := c.session
		notify = append(notify, func() { f(snapshot) })
	}
	return notify
}

// handleAlertLocked records the ring-ack on the caller side and acks it.
func (c *Controller) handleAlertLocked(env *signaling.Envelope) []func() {
	if c.session.LocalRole != RoleCaller || c.session.State != StateOutgoing {
		return c.dropLocked(env, "alert outside outgoing")
	}
	c.peerAlerted = true
	if c.session.Type != signaling.CallTypeGroup {
		c.session.PeerDeviceID = env.CalleeDeviceID
	}
	logrus.WithFields(logrus.Fields{
		"call_id": env.CallID,
	}).Info("Callee is ringing")

	confirm := &signaling.Envelope{
		Action:         signaling.ActionConfirmRing,
		CallID:         c.session.CallID,
		ChannelName:    c.session.ChannelName,
		Type:           c.session.Type,
		CallerDeviceID: c.localDeviceID,
		CalleeDeviceID: env.CalleeDeviceID,
	}
	if err := c.sendToPeerLocked(confirm); err != nil {
		// Advisory ack; losing it changes nothing.
		logrus.WithFields(logrus.Fields{
			"call_id": env.CallID,
			"error":   err.Error(),
		}).Debug("Failed to send confirm-ring")
	}
	return nil
}

// handleAnswerLocked applies an answer-call: connects the caller, or
// resolves the multi-device race on a second callee device.
func (c *Controller) handleAnswerLocked(env *signaling.Envelope) []func() {
	switch {
	case c.session.LocalRole == RoleCaller && c.session.State == StateOutgoing:
		if c.session.Type != signaling.CallTypeGroup {
			c.session.PeerDeviceID = env.CalleeDeviceID
		}
		logrus.WithFields(logrus.Fields{
			"call_id": env.CallID,
		}).Info("Call answered by peer")
		return c.enterAnsweredLocked()

	case c.session.LocalRole == RoleCallee && c.session.State == StateAlerting:
		if env.CalleeDeviceID != c.localDeviceID {
			logrus.WithFields(logrus.Fields{
				"call_id":      env.CallID,
				"other_device": env.CalleeDeviceID,
				"local_device": c.localDeviceID,
			}).Info("Call handled on another device")
			return c.exitCallLocked(ReasonHandledElsewhere)
		}
		return c.dropLocked(env, "answer echo on accepting device")
	}
	return c.dropLocked(env, "answer-call in incompatible state")
}

// handleConfirmCalleeLocked applies the three-way callee outcome.
func (c *Controller) handleConfirmCalleeLocked(env *signaling.Envelope) []func() {
	// A second callee device observing any outcome it did not produce has
	// lost the multi-device race.
	if c.session.LocalRole == RoleCallee && c.session.State == StateAlerting {
		if env.CalleeDeviceID != c.localDeviceID {
			logrus.WithFields(logrus.Fields{
				"call_id":      env.CallID,
				"result":       string(env.Result),
				"other_device": env.CalleeDeviceID,
			}).Info("Call handled on another device")
			return c.exitCallLocked(ReasonHandledElsewhere)
		}
		return c.dropLocked(env, "confirm-callee echo on deciding device")
	}

	if c.session.LocalRole != RoleCaller || c.session.State != StateOutgoing {
		return c.dropLocked(env, "confirm-callee in incompatible state")
	}

	switch env.Result {
	case signaling.ResultAccept:
		if c.session.Type != signaling.CallTypeGroup {
			c.session.PeerDeviceID = env.CalleeDeviceID
		}
		logrus.WithFields(logrus.Fields{
			"call_id": env.CallID,
		}).Info("Callee confirmed accept")
		return c.enterAnsweredLocked()
	case signaling.ResultRefuse:
		logrus.WithFields(logrus.Fields{
			"call_id": env.CallID,
		}).Info("Callee refused")
		return c.exitCallLocked(ReasonRefuse)
	case signaling.ResultBusy:
		logrus.WithFields(logrus.Fields{
			"call_id": env.CallID,
		}).Info("Callee is busy")
		return c.exitCallLocked(ReasonBusy)
	}
	return c.dropLocked(env, "confirm-callee with unknown result")
}

// Locked helpers. All of these run with c.mu held and return deferred
// callback invocations.

// beginSessionLocked installs a fresh session record and its scoped context,
// and flips the platform facilities on.
func (c *Controller) beginSessionLocked(session CallSession, userID, deviceID string) {
	c.session = session
	c.localUserID = userID
	c.localDeviceID = deviceID
	c.peerAlerted = false
	c.sessionCtx, c.sessionCancel = context.WithCancel(context.Background())
	c.platform.SessionActive(session.CallID, true)

	logrus.WithFields(logrus.Fields{
		"call_id":      session.CallID,
		"role":         session.LocalRole.String(),
		"local_user":   c.localUserID,
		"local_device": c.localDeviceID,
	}).Debug("Session record created")
}

// enterAnsweredLocked moves the session to answered and starts the media
// join off the transition path.
func (c *Controller) enterAnsweredLocked() []func() {
	prev := c.session.State
	if c.timerHandle != nil {
		c.timerHandle.Cancel()
		c.timerHandle = nil
	}
	c.session.State = StateAnswered
	c.session.ConnectedAt = time.Now()

	if c.media != nil {
		ctx := c.sessionCtx
		callID := c.session.CallID
		channelName := c.session.ChannelName
		go c.joinMedia(ctx, callID, channelName)
	}
	return c.stateNotifyLocked(prev, StateAnswered)
}

// joinMedia joins the media channel off the lock. A failed join tears the
// session down with a media-error reason if the session is still current.
func (c *Controller) joinMedia(ctx context.Context, callID, channelName string) {
	err := c.media.Join(ctx, channelName)
	if err == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"call_id": callID,
		"channel": channelName,
		"error":   err.Error(),
	}).Error("Media join failed")

	c.mu.Lock()
	if c.session.CallID != callID {
		c.mu.Unlock()
		return
	}
	notify := c.errorNotifyLocked(ErrorKindMedia, CodeMediaJoinFailed, err.Error())
	notify = append(notify, c.exitCallLocked(ReasonMediaError)...)
	c.mu.Unlock()
	runNotifications(notify)
}

// cancelLocked emits cancel-call and tears down.
func (c *Controller) cancelLocked() []func() {
	env := &signaling.Envelope{
		Action:         signaling.ActionCancelCall,
		CallID:         c.session.CallID,
		ChannelName:    c.session.ChannelName,
		Type:           c.session.Type,
		CallerDeviceID: c.localDeviceID,
	}
	var notify []func()
	if err := c.sendToPeerLocked(env); err != nil {
		notify = c.errorNotifyLocked(ErrorKindTransport, CodeSignalSendFailed, err.Error())
	}
	return append(notify, c.exitCallLocked(ReasonCancel)...)
}

// rejectLocked emits confirm-callee{refuse} and tears down.
func (c *Controller) rejectLocked() []func() {
	env := &signaling.Envelope{
		Action:         signaling.ActionConfirmCallee,
		CallID:         c.session.CallID,
		ChannelName:    c.session.ChannelName,
		Type:           c.session.Type,
		CallerDeviceID: c.session.PeerDeviceID,
		CalleeDeviceID: c.localDeviceID,
		Result:         signaling.ResultRefuse,
	}
	var notify []func()
	if err := c.sendToPeerLocked(env); err != nil {
		notify = c.errorNotifyLocked(ErrorKindTransport, CodeSignalSendFailed, err.Error())
	}
	return append(notify, c.exitCallLocked(ReasonRefuse)...)
}

// hangupLocked emits leave-call and tears down.
func (c *Controller) hangupLocked() []func() {
	env := &signaling.Envelope{
		Action:         signaling.ActionLeaveCall,
		CallID:         c.session.CallID,
		ChannelName:    c.session.ChannelName,
		Type:           c.session.Type,
		CallerDeviceID: c.callerDeviceLocked(),
		CalleeDeviceID: c.calleeDeviceLocked(),
	}
	var notify []func()
	if err := c.sendToPeerLocked(env); err != nil {
		notify = c.errorNotifyLocked(ErrorKindTransport, CodeSignalSendFailed, err.Error())
	}
	return append(notify, c.exitCallLocked(ReasonHangup)...)
}

// onInviterTimeout fires when the caller waited out the invite timeout.
func (c *Controller) onInviterTimeout(callID string) {
	c.mu.Lock()
	if c.session.CallID != callID || c.session.State != StateOutgoing {
		c.mu.Unlock()
		return
	}
	reason := ReasonNoResponse
	if c.peerAlerted {
		// The remote rang; its own invitee timer would have fired first.
		reason = ReasonRemoteNoResponse
	}
	logrus.WithFields(logrus.Fields{
		"call_id": callID,
		"reason":  string(reason),
	}).Info("Inviter timeout expired")

	// Best-effort cancel so a still-ringing callee stops promptly.
	env := &signaling.Envelope{
		Action:         signaling.ActionCancelCall,
		CallID:         callID,
		ChannelName:    c.session.ChannelName,
		Type:           c.session.Type,
		CallerDeviceID: c.localDeviceID,
	}
	if err := c.sendToPeerLocked(env); err != nil {
		logrus.WithFields(logrus.Fields{
			"call_id": callID,
			"error":   err.Error(),
		}).Warn("Failed to send cancel on timeout")
	}

	notify := c.exitCallLocked(reason)
	c.mu.Unlock()
	runNotifications(notify)
}

// onInviteeTimeout fires when a ringing call was never accepted or rejected.
func (c *Controller) onInviteeTimeout(callID string) {
	c.mu.Lock()
	if c.session.CallID != callID || c.session.State != StateAlerting {
		c.mu.Unlock()
		return
	}
	logrus.WithFields(logrus.Fields{
		"call_id": callID,
	}).Info("Invitee timeout expired")
	notify := c.exitCallLocked(ReasonNoResponse)
	c.mu.Unlock()
	runNotifications(notify)
}

// exitCall is the unconditional teardown entry used by every terminal path.
// Safe to call when already idle.
func (c *Controller) exitCall(reason EndReason) {
	c.mu.Lock()
	notify := c.exitCallLocked(reason)
	c.mu.Unlock()
	runNotifications(notify)
}

// exitCallLocked clears the session, disarms the timer, cancels the session
// context, releases platform grants and resets the per-call directory cache.
// Idempotent: a second teardown produces no callbacks.
func (c *Controller) exitCallLocked(reason EndReason) []func() {
	if !c.session.Active() {
		return nil
	}
	prev := c.session.State
	ended := c.session

	if c.timerHandle != nil {
		c.timerHandle.Cancel()
		c.timerHandle = nil
	}
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
		c.sessionCtx = nil
	}
	c.platform.ReleaseAll()
	if c.dir != nil {
		c.dir.Reset()
	}
	if prev == StateAnswered && c.media != nil {
		media := c.media
		channelName := ended.ChannelName
		go func() {
			if err := media.Leave(channelName); err != nil {
				logrus.WithFields(logrus.Fields{
					"channel": channelName,
					"error":   err.Error(),
				}).Warn("Media leave failed")
			}
		}()
	}

	c.session = CallSession{}
	c.peerAlerted = false

	logrus.WithFields(logrus.Fields{
		"call_id":    ended.CallID,
		"prev_state": prev.String(),
		"reason":     string(reason),
	}).Info("Call session torn down")

	notify := c.stateNotifyLocked(prev, StateIdle)
	if c.onCallEnded != nil {
		f := c.onCallEnded
		notify = append(notify, func() { f(reason) })
	}
	return notify
}

// sendToPeerLocked routes an envelope by role: the caller of a group session
// fans out to its invitees, everyone else addresses the single peer. A group
// invitee holds no invitee list; its peer is the caller.
func (c *Controller) sendToPeerLocked(env *signaling.Envelope) error {
	if c.session.Type == signaling.CallTypeGroup && c.session.LocalRole == RoleCaller {
		sent, err := c.signaler.Fanout(c.session.Invitees, env)
		if sent > 0 {
			return nil
		}
		return err
	}
	return c.signaler.Send(c.session.PeerID, env)
}

// resolveDirectoryLocked starts a best-effort directory resolution scoped to
// the session context. It never gates a transition.
func (c *Controller) resolveDirectoryLocked(id string) {
	if c.dir == nil || id == "" || c.sessionCtx == nil {
		return
	}
	ctx := c.sessionCtx
	dir := c.dir
	go func() {
		entry := dir.Resolve(ctx, id)
		logrus.WithFields(logrus.Fields{
			"id":           id,
			"display_name": entry.DisplayName,
		}).Debug("Directory entry resolved")
	}()
}

func (c *Controller) callerDeviceLocked() string {
	if c.session.LocalRole == RoleCaller {
		return c.localDeviceID
	}
	return c.session.PeerDeviceID
}

func (c *Controller) calleeDeviceLocked() string {
	if c.session.LocalRole == RoleCallee {
		return c.localDeviceID
	}
	return c.session.PeerDeviceID
}

func (c *Controller) stateNotifyLocked(oldState, newState CallState) []func() {
	if c.onStateChanged == nil {
		return nil
	}
	f := c.onStateChanged
	return []func(){func() { f(oldState, newState) }}
}

func (c *Controller) typeNotifyLocked(callType signaling.CallType) []func() {
	if c.onCallTypeChanged == nil {
		return nil
	}
	f := c.onCallTypeChanged
	return []func(){func() { f(callType) }}
}

func (c *Controller) errorNotifyLocked(kind ErrorKind, code int, message string) []func() {
	if c.onError == nil {
		return nil
	}
	f := c.onError
	return []func(){func() { f(kind, code, message) }}
}

// dropLocked logs and ignores an envelope that is inconsistent with the
// current state.
func (c *Controller) dropLocked(env *signaling.Envelope, why string) []func() {
	logrus.WithFields(logrus.Fields{
		"action":  env.Action.String(),
		"call_id": env.CallID,
		"state":   c.session.State.String(),
		"why":     why,
	}).Warn("Dropping envelope inconsistent with current state")
	return nil
}

func runNotifications(notify []func()) {
	for _, f := range notify {
		f()
	}
}
