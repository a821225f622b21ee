package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/tidylists/listshare/internal/models"
)

// InvitationServiceInterface defines the contract for invitation lifecycle operations used by handlers.
type InvitationServiceInterface interface {
	CreateOrRotate(ctx context.Context, listID, inviterID uuid.UUID, email string) (*CreateOrRotateResult, error)
	Resend(ctx context.Context, invitationID, listID, inviterID uuid.UUID) (*models.Invitation, string, error)
	Revoke(ctx context.Context, invitationID, listID uuid.UUID) (*models.Invitation, error)
	ApprovePending(ctx context.Context, invitationID, listID, ownerID uuid.UUID) (*models.Invitation, error)
	RejectPending(ctx context.Context, invitationID, listID, ownerID uuid.UUID) (*models.Invitation, error)
	ListByStatus(ctx context.Context, listID uuid.UUID, statuses []models.InvitationStatus) ([]models.Invitation, error)
	Consume(ctx context.Context, token string, userID uuid.UUID, userEmail string) (*ConsumeResult, error)
	RecordEmailDelivery(ctx context.Context, invitationID uuid.UUID, status models.EmailDeliveryStatus, providerID, errorMessage *string) (*models.Invitation, error)
}

// ListServiceInterface defines the contract for list lookups used by handlers.
type ListServiceInterface interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.List, error)
	IsOwner(ctx context.Context, listID, userID uuid.UUID) (bool, error)
}

// UserServiceInterface defines the contract for user lookups used by handlers.
type UserServiceInterface interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	Ensure(ctx context.Context, id uuid.UUID, email string) (*models.User, error)
}

// InvitationMailerInterface defines the contract for sending invitation emails.
type InvitationMailerInterface interface {
	SendInvitation(ctx context.Context, params SendInvitationParams) *EmailDeliveryOutcome
}

// WebhookReconcilerInterface defines the contract for handling delivery webhooks.
type WebhookReconcilerInterface interface {
	Configured() bool
	HandleDeliveryEvent(ctx context.Context, payload []byte, msgID, timestamp, signature string) (*DeliveryAck, error)
}
