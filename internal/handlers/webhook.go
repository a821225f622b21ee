package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/tidylists/listshare/internal/logging"
	"github.com/tidylists/listshare/internal/services"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	reconciler services.WebhookReconcilerInterface
}

func NewWebhookHandler(reconciler services.WebhookReconcilerInterface) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler}
}

// ResendDelivery receives delivery events from Resend. Every verification
// failure is answered with the same 401 so callers learn nothing about
// which check failed.
func (h *WebhookHandler) ResendDelivery(w http.ResponseWriter, r *http.Request) {
	if !h.reconciler.Configured() {
		writeError(w, http.StatusServiceUnavailable, "Webhook not configured")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ack, err := h.reconciler.HandleDeliveryEvent(
		r.Context(),
		payload,
		r.Header.Get("svix-id"),
		r.Header.Get("svix-timestamp"),
		r.Header.Get("svix-signature"),
	)
	if errors.Is(err, services.ErrSignatureInvalid) || errors.Is(err, services.ErrWebhookNotConfigured) {
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}
	if errors.Is(err, services.ErrPayloadMalformed) {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if err != nil {
		logging.Error("Handling delivery webhook", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, ack)
}
