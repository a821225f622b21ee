package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tidylists/listshare/internal/logging"
	"github.com/tidylists/listshare/internal/models"
	"github.com/tidylists/listshare/internal/services"
)

type InvitationHandler struct {
	invitations services.InvitationServiceInterface
	lists       services.ListServiceInterface
	users       services.UserServiceInterface
	mailer      services.InvitationMailerInterface
}

func NewInvitationHandler(invitations services.InvitationServiceInterface, lists services.ListServiceInterface, users services.UserServiceInterface, mailer services.InvitationMailerInterface) *InvitationHandler {
	return &InvitationHandler{
		invitations: invitations,
		lists:       lists,
		users:       users,
		mailer:      mailer,
	}
}

type CreateInvitationRequest struct {
	Email string `json:"email"`
}

type ConsumeInvitationRequest struct {
	Token string `json:"token"`
}

type InvitationResponse struct {
	Invitation models.Invitation `json:"invitation"`
	Reused     bool              `json:"reused,omitempty"`
	Message    string            `json:"message,omitempty"`
}

type InvitationListResponse struct {
	Invitations []models.Invitation `json:"invitations"`
}

// ConsumeResponse reports the outcome of a token submission. State mirrors
// the lifecycle outcome; Message is suitable for direct display.
type ConsumeResponse struct {
	State      string             `json:"state"`
	Message    string             `json:"message"`
	Invitation *models.Invitation `json:"invitation,omitempty"`
}

// requireOwner resolves the list and checks the caller owns it. Missing
// lists and foreign lists both read as 404 so existence is not leaked.
func (h *InvitationHandler) requireOwner(w http.ResponseWriter, r *http.Request) (uuid.UUID, *Principal, bool) {
	principal := GetPrincipalFromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return uuid.Nil, nil, false
	}

	listID, err := uuid.Parse(r.PathValue("listID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid list ID")
		return uuid.Nil, nil, false
	}

	isOwner, err := h.lists.IsOwner(r.Context(), listID, principal.UserID)
	if err != nil {
		logging.Error("Checking list ownership", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return uuid.Nil, nil, false
	}
	if !isOwner {
		writeError(w, http.StatusNotFound, "List not found")
		return uuid.Nil, nil, false
	}

	return listID, principal, true
}

func (h *InvitationHandler) Create(w http.ResponseWriter, r *http.Request) {
	listID, principal, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var req CreateInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.invitations.CreateOrRotate(r.Context(), listID, principal.UserID, req.Email)
	if err != nil {
		h.writeInvitationError(w, err, "Error creating invitation")
		return
	}

	inv := h.deliver(r.Context(), result.Invitation, result.Token)
	writeJSON(w, http.StatusCreated, InvitationResponse{Invitation: *inv, Reused: result.Reused})
}

func (h *InvitationHandler) Resend(w http.ResponseWriter, r *http.Request) {
	listID, principal, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	invitationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid invitation ID")
		return
	}

	inv, token, err := h.invitations.Resend(r.Context(), invitationID, listID, principal.UserID)
	if err != nil {
		h.writeInvitationError(w, err, "Error resending invitation")
		return
	}

	inv = h.deliver(r.Context(), inv, token)
	writeJSON(w, http.StatusOK, InvitationResponse{Invitation: *inv, Message: "Invitation resent"})
}

func (h *InvitationHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	listID, _, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	invitationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid invitation ID")
		return
	}

	inv, err := h.invitations.Revoke(r.Context(), invitationID, listID)
	if err != nil {
		h.writeInvitationError(w, err, "Error revoking invitation")
		return
	}

	writeJSON(w, http.StatusOK, InvitationResponse{Invitation: *inv, Message: "Invitation revoked"})
}

func (h *InvitationHandler) Approve(w http.ResponseWriter, r *http.Request) {
	listID, principal, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	invitationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid invitation ID")
		return
	}

	inv, err := h.invitations.ApprovePending(r.Context(), invitationID, listID, principal.UserID)
	if err != nil {
		h.writeInvitationError(w, err, "Error approving invitation")
		return
	}

	writeJSON(w, http.StatusOK, InvitationResponse{Invitation: *inv, Message: "Access approved"})
}

func (h *InvitationHandler) Reject(w http.ResponseWriter, r *http.Request) {
	listID, principal, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	invitationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid invitation ID")
		return
	}

	inv, err := h.invitations.RejectPending(r.Context(), invitationID, listID, principal.UserID)
	if err != nil {
		h.writeInvitationError(w, err, "Error rejecting invitation")
		return
	}

	writeJSON(w, http.StatusOK, InvitationResponse{Invitation: *inv, Message: "Access rejected"})
}

func (h *InvitationHandler) List(w http.ResponseWriter, r *http.Request) {
	listID, _, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var statuses []models.InvitationStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := models.InvitationStatus(strings.TrimSpace(s))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown status %q", s))
				return
			}
			statuses = append(statuses, status)
		}
	}

	invitations, err := h.invitations.ListByStatus(r.Context(), listID, statuses)
	if err != nil {
		logging.Error("Listing invitations", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, InvitationListResponse{Invitations: invitations})
}

func (h *InvitationHandler) Consume(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipalFromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req ConsumeInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// The invitation row references the consuming user, so make sure the
	// principal exists locally before the lifecycle transition.
	if _, err := h.users.Ensure(r.Context(), principal.UserID, principal.Email); err != nil {
		logging.Error("Ensuring user for consume", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	result, err := h.invitations.Consume(r.Context(), req.Token, principal.UserID, principal.Email)
	if err != nil {
		logging.Error("Consuming invitation", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := consumeResponse(result)
	writeJSON(w, http.StatusOK, resp)
}

// consumeResponse maps a lifecycle outcome to its user-facing state.
func consumeResponse(result *services.ConsumeResult) ConsumeResponse {
	resp := ConsumeResponse{State: string(result.Status)}
	if result.Invitation != nil {
		resp.Invitation = result.Invitation
	}

	switch result.Status {
	case services.ConsumeAcceptedNow:
		resp.Message = "Invitation accepted. You now have access to this list."
	case services.ConsumePendingNow:
		resp.Message = "This invitation was sent to a different email address. The list owner has been asked to approve your access."
	case services.ConsumeAlreadyAccepted:
		resp.Message = "This invitation has already been accepted."
	case services.ConsumeAlreadyPending:
		resp.Message = "This invitation is waiting for the list owner's approval."
	case services.ConsumeRevoked:
		resp.Message = "This invitation has been revoked."
	case services.ConsumeExpired:
		resp.Message = "This invitation has expired. Ask the list owner to send a new one."
	default:
		resp.Message = "This invitation link is not valid."
	}

	return resp
}

// deliver sends the invitation email and records the outcome on the row.
// Delivery problems never fail the request; the recorded status surfaces
// them to the owner.
func (h *InvitationHandler) deliver(ctx context.Context, inv *models.Invitation, token string) *models.Invitation {
	if inv.InvitedEmail == nil || inv.ExpiresAt == nil {
		return inv
	}

	inviterName := "A list owner"
	if inv.InviterID != nil {
		if inviter, err := h.users.GetByID(ctx, *inv.InviterID); err == nil {
			inviterName = inviter.DisplayName
		}
	}

	listTitle := "a shared list"
	if list, err := h.lists.GetByID(ctx, inv.ListID); err == nil {
		listTitle = list.Title
	}

	outcome := h.mailer.SendInvitation(ctx, services.SendInvitationParams{
		ToEmail:     *inv.InvitedEmail,
		InviterName: inviterName,
		ListTitle:   listTitle,
		Token:       token,
		ExpiresAt:   *inv.ExpiresAt,
	})

	updated, err := h.invitations.RecordEmailDelivery(ctx, inv.ID, outcome.Status, outcome.ProviderID, outcome.ErrorMessage)
	if err != nil || updated == nil {
		if err != nil {
			logging.Error("Recording email delivery", map[string]interface{}{"error": err.Error(), "invitation_id": inv.ID.String()})
		}
		return inv
	}
	return updated
}

func (h *InvitationHandler) writeInvitationError(w http.ResponseWriter, err error, logMsg string) {
	var rateLimited *services.RateLimitedError
	switch {
	case errors.Is(err, services.ErrInvitationNotFound):
		writeError(w, http.StatusNotFound, "Invitation not found")
	case errors.Is(err, services.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Invitation is not in a state that allows this action")
	case errors.Is(err, services.ErrAlreadyCollaborator):
		writeError(w, http.StatusConflict, "This person already has access to the list")
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rateLimited.RetryAfter/time.Second)))
		writeError(w, http.StatusTooManyRequests, "Too many invitations sent. Please try again later.")
	default:
		logging.Error(logMsg, map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
