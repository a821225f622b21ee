package models

import (
	"time"

	"github.com/google/uuid"
)

// InvitationStatus is the lifecycle state of a collaborator slot.
type InvitationStatus string

const (
	InvitationSent            InvitationStatus = "sent"
	InvitationAccepted        InvitationStatus = "accepted"
	InvitationPendingApproval InvitationStatus = "pending_approval"
	InvitationRevoked         InvitationStatus = "revoked"
	InvitationExpired         InvitationStatus = "expired"
)

// AllInvitationStatuses lists every lifecycle state, open and terminal.
var AllInvitationStatuses = []InvitationStatus{
	InvitationSent,
	InvitationAccepted,
	InvitationPendingApproval,
	InvitationRevoked,
	InvitationExpired,
}

// IsOpen reports whether the status still admits transitions.
func (s InvitationStatus) IsOpen() bool {
	return s == InvitationSent || s == InvitationPendingApproval
}

// IsTerminal reports whether the status is final for this row instance.
func (s InvitationStatus) IsTerminal() bool {
	return s == InvitationAccepted || s == InvitationRevoked || s == InvitationExpired
}

// Valid reports whether s is a known status value.
func (s InvitationStatus) Valid() bool {
	switch s {
	case InvitationSent, InvitationAccepted, InvitationPendingApproval,
		InvitationRevoked, InvitationExpired:
		return true
	}
	return false
}

// CollaboratorRole is the access level a collaborator slot grants.
type CollaboratorRole string

const (
	RoleOwner        CollaboratorRole = "owner"
	RoleCollaborator CollaboratorRole = "collaborator"
)

// EmailDeliveryStatus is the provider-reported outcome of the invite email.
type EmailDeliveryStatus string

const (
	EmailDeliverySent   EmailDeliveryStatus = "sent"
	EmailDeliveryFailed EmailDeliveryStatus = "failed"
)

// Invitation is one collaborator slot on a list. The same row represents an
// open invitation while the status is sent/pending_approval and an accepted
// membership afterwards. The token hash is present only while the row is in
// the sent state; clearing it on every transition out of sent is what makes
// the bearer token single-use.
type Invitation struct {
	ID                  uuid.UUID            `json:"id"`
	ListID              uuid.UUID            `json:"list_id"`
	UserID              *uuid.UUID           `json:"user_id,omitempty"`
	Role                CollaboratorRole     `json:"role"`
	Status              InvitationStatus     `json:"invite_status"`
	InvitedEmail        *string              `json:"invited_email,omitempty"`
	InviterID           *uuid.UUID           `json:"inviter_id,omitempty"`
	TokenHash           *string              `json:"-"`
	ExpiresAt           *time.Time           `json:"invite_expires_at,omitempty"`
	SentAt              *time.Time           `json:"invite_sent_at,omitempty"`
	AcceptedAt          *time.Time           `json:"invite_accepted_at,omitempty"`
	RevokedAt           *time.Time           `json:"invite_revoked_at,omitempty"`
	ExpiredAt           *time.Time           `json:"invite_expired_at,omitempty"`
	ApprovalRequestedAt *time.Time           `json:"approval_requested_at,omitempty"`
	ApprovedBy          *uuid.UUID           `json:"approved_by,omitempty"`
	ApprovedAt          *time.Time           `json:"approved_at,omitempty"`
	RejectedBy          *uuid.UUID           `json:"rejected_by,omitempty"`
	RejectedAt          *time.Time           `json:"rejected_at,omitempty"`
	EmailDeliveryStatus *EmailDeliveryStatus `json:"email_delivery_status,omitempty"`
	EmailDeliveryError  *string              `json:"email_delivery_error,omitempty"`
	EmailProviderID     *string              `json:"email_delivery_provider_id,omitempty"`
	EmailLastSentAt     *time.Time           `json:"email_last_sent_at,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// InvitationView is the tagged representation of a row: one variant per
// status, carrying only the fields meaningful to that state.
type InvitationView interface {
	invitationView()
}

// SentView is an unconsumed invitation holding a live token hash.
type SentView struct {
	InvitedEmail string
	TokenHash    string
	ExpiresAt    *time.Time
	SentAt       *time.Time
}

// AcceptedView is a granted membership.
type AcceptedView struct {
	UserID     *uuid.UUID
	AcceptedAt *time.Time
	ApprovedBy *uuid.UUID
}

// PendingApprovalView is a consumed token awaiting the owner's decision
// because the claimant's email did not match the invited one.
type PendingApprovalView struct {
	InvitedEmail   string
	ClaimantUserID *uuid.UUID
	RequestedAt    *time.Time
}

// RevokedView is a withdrawn or rejected invitation.
type RevokedView struct {
	RevokedAt  *time.Time
	RejectedBy *uuid.UUID
}

// ExpiredView is an invitation whose deadline passed before consumption.
type ExpiredView struct {
	ExpiredAt *time.Time
}

func (SentView) invitationView()            {}
func (AcceptedView) invitationView()        {}
func (PendingApprovalView) invitationView() {}
func (RevokedView) invitationView()         {}
func (ExpiredView) invitationView()         {}

// View maps the flat persisted row onto its status variant. Unknown statuses
// yield nil.
func (i *Invitation) View() InvitationView {
	email := ""
	if i.InvitedEmail != nil {
		email = *i.InvitedEmail
	}
	switch i.Status {
	case InvitationSent:
		hash := ""
		if i.TokenHash != nil {
			hash = *i.TokenHash
		}
		return SentView{
			InvitedEmail: email,
			TokenHash:    hash,
			ExpiresAt:    i.ExpiresAt,
			SentAt:       i.SentAt,
		}
	case InvitationAccepted:
		return AcceptedView{
			UserID:     i.UserID,
			AcceptedAt: i.AcceptedAt,
			ApprovedBy: i.ApprovedBy,
		}
	case InvitationPendingApproval:
		return PendingApprovalView{
			InvitedEmail:   email,
			ClaimantUserID: i.UserID,
			RequestedAt:    i.ApprovalRequestedAt,
		}
	case InvitationRevoked:
		return RevokedView{
			RevokedAt:  i.RevokedAt,
			RejectedBy: i.RejectedBy,
		}
	case InvitationExpired:
		return ExpiredView{ExpiredAt: i.ExpiredAt}
	}
	return nil
}
