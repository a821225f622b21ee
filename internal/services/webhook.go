package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidylists/listshare/internal/logging"
	"github.com/tidylists/listshare/internal/models"
)

var (
	// ErrWebhookNotConfigured means no signing secret is set; callers must
	// reject delivery events rather than process them unverified.
	ErrWebhookNotConfigured = errors.New("webhook signing secret not configured")

	// ErrSignatureInvalid covers every verification failure: missing
	// headers, stale timestamps, and signature mismatches. Callers should
	// not distinguish between them in responses.
	ErrSignatureInvalid = errors.New("webhook signature verification failed")

	// ErrPayloadMalformed means a correctly signed payload is not valid
	// JSON. The fault is the sender's, not ours.
	ErrPayloadMalformed = errors.New("webhook payload is not valid JSON")
)

// webhookTimestampTolerance bounds how far a signed timestamp may drift from
// server time before the event is rejected as a replay.
const webhookTimestampTolerance = 5 * time.Minute

// WebhookVerifier checks Svix-style webhook signatures as sent by Resend.
// The signed content is "<id>.<timestamp>.<payload>" and the signature
// header carries space-separated "v1,<base64>" candidates.
type WebhookVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewWebhookVerifier parses a "whsec_"-prefixed base64 secret. An empty
// secret yields a verifier that fails closed.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	if secret == "" {
		return &WebhookVerifier{now: time.Now}, nil
	}

	trimmed := strings.TrimPrefix(secret, "whsec_")
	key, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decoding webhook secret: %w", err)
	}

	return &WebhookVerifier{secret: key, now: time.Now}, nil
}

// Configured reports whether a signing secret is present.
func (v *WebhookVerifier) Configured() bool {
	return len(v.secret) > 0
}

// WithClock overrides the time source for tests.
func (v *WebhookVerifier) WithClock(now func() time.Time) *WebhookVerifier {
	v.now = now
	return v
}

// Verify checks the signature headers against the raw payload. It returns
// ErrWebhookNotConfigured when no secret is set and ErrSignatureInvalid for
// any other failure.
func (v *WebhookVerifier) Verify(payload []byte, msgID, timestamp, signature string) error {
	if !v.Configured() {
		return ErrWebhookNotConfigured
	}
	if msgID == "" || timestamp == "" || signature == "" {
		return ErrSignatureInvalid
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	drift := v.now().Sub(time.Unix(ts, 0))
	if drift > webhookTimestampTolerance || drift < -webhookTimestampTolerance {
		return ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s.%s.", msgID, timestamp)
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, candidate := range strings.Fields(signature) {
		version, sig, found := strings.Cut(candidate, ",")
		if !found || version != "v1" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}

	return ErrSignatureInvalid
}

// DeliveryEvent is the subset of a Resend webhook payload the reconciler
// cares about.
type DeliveryEvent struct {
	Type string `json:"type"`
	Data struct {
		EmailID string `json:"email_id"`
		Reason  string `json:"reason"`
	} `json:"data"`
}

// failureEventDescriptions maps the Resend event types that indicate a
// delivery problem to the message stored on the invitation. Other event
// types (email.sent, email.delivered, ...) are acknowledged and ignored.
var failureEventDescriptions = map[string]string{
	"email.bounced":          "Email bounced",
	"email.complained":       "Recipient marked email as spam",
	"email.delivery_delayed": "Email delivery delayed",
	"email.failed":           "Email failed to send",
}

// DeliveryAck describes how a webhook event was handled.
type DeliveryAck struct {
	EventType    string `json:"event_type"`
	Handled      bool   `json:"handled"`
	InvitationID string `json:"invitation_id,omitempty"`
}

// WebhookReconciler applies verified delivery events to invitation rows.
type WebhookReconciler struct {
	verifier    *WebhookVerifier
	invitations *InvitationService
}

func NewWebhookReconciler(verifier *WebhookVerifier, invitations *InvitationService) *WebhookReconciler {
	return &WebhookReconciler{verifier: verifier, invitations: invitations}
}

// Configured reports whether the underlying verifier has a secret.
func (r *WebhookReconciler) Configured() bool {
	return r.verifier.Configured()
}

// HandleDeliveryEvent verifies and applies one webhook delivery. Events for
// unknown provider ids or non-failure types are acknowledged without effect
// so the provider stops retrying them.
func (r *WebhookReconciler) HandleDeliveryEvent(ctx context.Context, payload []byte, msgID, timestamp, signature string) (*DeliveryAck, error) {
	if err := r.verifier.Verify(payload, msgID, timestamp, signature); err != nil {
		return nil, err
	}

	var event DeliveryEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}

	ack := &DeliveryAck{EventType: event.Type}

	description, isFailure := failureEventDescriptions[event.Type]
	if !isFailure || event.Data.EmailID == "" {
		return ack, nil
	}

	reason := description
	if event.Data.Reason != "" {
		reason = fmt.Sprintf("%s: %s", description, event.Data.Reason)
	}

	inv, err := r.invitations.ReconcileDelivery(ctx, event.Data.EmailID, models.EmailDeliveryFailed, &reason)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		logging.Warn("Webhook delivery event for unknown provider id", map[string]interface{}{
			"event_type":  event.Type,
			"provider_id": event.Data.EmailID,
		})
		return ack, nil
	}

	ack.Handled = true
	ack.InvitationID = inv.ID.String()
	logging.Info("Recorded email delivery failure", map[string]interface{}{
		"event_type":    event.Type,
		"invitation_id": inv.ID.String(),
	})
	return ack, nil
}
