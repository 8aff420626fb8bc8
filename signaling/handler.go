package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport is the minimal messaging primitive the signaling layer needs.
// It is defined here, at the consumer, so the handler works with any
// messaging implementation without coupling to a concrete transport type.
type Transport interface {
	// Send delivers an opaque payload to the given user id. Delivery is
	// asynchronous and unacknowledged at this layer.
	Send(to string, payload []byte) error

	// RegisterHandler registers the single inbound payload handler.
	RegisterHandler(fn func(from string, payload []byte))

	// LocalIdentity returns the authenticated user and device ids, or an
	// error when the transport has no active identity.
	LocalIdentity() (userID, deviceID string, err error)
}

// Consumer receives validated inbound envelopes. The call lifecycle
// controller implements this; the handler never mutates call state itself.
type Consumer interface {
	HandleEnvelope(from string, env *Envelope)
}

// Handler translates controller intents into envelopes on the wire and
// transport deliveries into consumer calls. It owns no call state beyond
// its transport subscription.
//
// Sends are at-most-one-attempt: a failed send is returned to the caller and
// never retried here; the timeout discipline bounds how long either party
// waits for a lost message.
type Handler struct {
	transport Transport

	mu       sync.RWMutex
	consumer Consumer
}

// NewHandler creates a handler bound to the transport and subscribes to its
// inbound deliveries.
func NewHandler(transport Transport) (*Handler, error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	h := &Handler{transport: transport}
	transport.RegisterHandler(h.onPayload)
	return h, nil
}

// Attach sets the consumer that receives inbound envelopes. Envelopes
// arriving before a consumer is attached are dropped. Safe to call while
// deliveries are in flight.
func (h *Handler) Attach(consumer Consumer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consumer = consumer
}

// LocalIdentity exposes the transport identity to the controller.
func (h *Handler) LocalIdentity() (string, string, error) {
	return h.transport.LocalIdentity()
}

// Send stamps and serializes the envelope, then delivers it to one peer.
func (h *Handler) Send(to string, env *Envelope) error {
	payload, err := h.prepare(env)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"action":  env.Action.String(),
		"call_id": env.CallID,
		"to":      to,
	}).Debug("Sending signaling envelope")
	if err := h.transport.Send(to, payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"action":  env.Action.String(),
			"call_id": env.CallID,
			"to":      to,
			"error":   err.Error(),
		}).Error("Signaling send failed")
		return err
	}
	return nil
}

// Fanout delivers the same envelope to every recipient in the list, used for
// group calls. All sends are attempted; it returns how many succeeded along
// with the joined errors.
func (h *Handler) Fanout(to []string, env *Envelope) (int, error) {
	payload, err := h.prepare(env)
	if err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{
		"action":     env.Action.String(),
		"call_id":    env.CallID,
		"recipients": len(to),
	}).Debug("Fanning out signaling envelope")

	sent := 0
	var errs []error
	for _, recipient := range to {
		if err := h.transport.Send(recipient, payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"action":  env.Action.String(),
				"call_id": env.CallID,
				"to":      recipient,
				"error":   err.Error(),
			}).Warn("Fanout send failed for recipient")
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// prepare stamps a missing timestamp and encodes the envelope.
func (h *Handler) prepare(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrNilEnvelope
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	return env.Encode()
}

// onPayload decodes a transport delivery and forwards it to the consumer.
// Malformed payloads are logged and dropped; they never become transitions.
func (h *Handler) onPayload(from string, payload []byte) {
	env, err := Decode(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"from":  from,
			"size":  len(payload),
			"error": err.Error(),
		}).Warn("Dropping undecodable signaling payload")
		return
	}
	h.mu.RLock()
	consumer := h.consumer
	h.mu.RUnlock()
	if consumer == nil {
		logrus.WithFields(logrus.Fields{
			"from":    from,
			"action":  env.Action.String(),
			"call_id": env.CallID,
		}).Warn("Dropping envelope: no consumer attached")
		return
	}
	consumer.HandleEnvelope(from, env)
}
