package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tidylists/listshare/internal/models"
)

var (
	ErrInvitationNotFound  = errors.New("invitation not found")
	ErrInvalidTransition   = errors.New("operation not allowed in the invitation's current state")
	ErrAlreadyCollaborator = errors.New("email already belongs to an accepted collaborator on this list")
	ErrRateLimited         = errors.New("rate limit exceeded")
)

// RateLimitedError carries the retry-after hint alongside ErrRateLimited.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// NormalizeEmail lower-cases and trims an address; invited emails are always
// stored and compared in this form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// InvitationService is the invitation lifecycle state machine. It owns every
// transition of a collaborator slot; nothing else writes invitation rows.
// Owner authorization for the owner-only operations is checked by the caller
// (the HTTP layer consults the list service) before these methods run.
type InvitationService struct {
	repo     InvitationRepository
	limiter  *RateLimiter
	tokenTTL time.Duration
	now      func() time.Time
}

func NewInvitationService(repo InvitationRepository, limiter *RateLimiter) *InvitationService {
	return &InvitationService{
		repo:     repo,
		limiter:  limiter,
		tokenTTL: InvitationTokenTTL,
		now:      time.Now,
	}
}

// WithClock overrides the service clock. Only tests should call this.
func (s *InvitationService) WithClock(now func() time.Time) *InvitationService {
	s.now = now
	return s
}

// WithTokenTTL overrides the invite token lifetime.
func (s *InvitationService) WithTokenTTL(ttl time.Duration) *InvitationService {
	s.tokenTTL = ttl
	return s
}

func (s *InvitationService) checkLimit(ctx context.Context, inviterID uuid.UUID) error {
	if s.limiter == nil {
		return nil
	}
	// A broken limiter store fails open: rejecting invites because redis is
	// down would be worse than briefly not limiting.
	decision, err := s.limiter.Check(ctx, "invite:"+inviterID.String())
	if err != nil {
		return nil
	}
	if !decision.Allowed {
		return &RateLimitedError{RetryAfter: decision.RetryAfter}
	}
	return nil
}

// CreateOrRotateResult is the outcome of CreateOrRotate. Token is the raw
// bearer token; this is the only place it ever surfaces.
type CreateOrRotateResult struct {
	Invitation *models.Invitation
	Token      string
	Reused     bool
}

// CreateOrRotate opens (or re-issues) the invitation for email on a list.
// If an open row already exists for the normalized email it is rotated in
// place: new token, new expiry, same row id, any pending-approval claim
// discarded. Safe under concurrent duplicate calls; the store's partial
// unique constraint makes both callers converge on one row.
func (s *InvitationService) CreateOrRotate(ctx context.Context, listID, inviterID uuid.UUID, email string) (*CreateOrRotateResult, error) {
	if err := s.checkLimit(ctx, inviterID); err != nil {
		return nil, err
	}

	normalized := NormalizeEmail(email)
	accepted, err := s.repo.FindAcceptedByEmail(ctx, listID, normalized)
	if err != nil {
		return nil, err
	}
	if accepted != nil {
		return nil, ErrAlreadyCollaborator
	}

	token, tokenHash, err := GenerateInviteToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	inv, reused, err := s.repo.UpsertOpen(ctx, UpsertOpenInvitationParams{
		ListID:       listID,
		InviterID:    inviterID,
		InvitedEmail: normalized,
		TokenHash:    tokenHash,
		ExpiresAt:    now.Add(s.tokenTTL),
		SentAt:       now,
	})
	if err != nil {
		return nil, err
	}
	return &CreateOrRotateResult{Invitation: inv, Token: token, Reused: reused}, nil
}

// Resend rotates the token on an open invitation and returns the new raw
// token. Terminal rows cannot be resent.
func (s *InvitationService) Resend(ctx context.Context, invitationID, listID, inviterID uuid.UUID) (*models.Invitation, string, error) {
	if err := s.checkLimit(ctx, inviterID); err != nil {
		return nil, "", err
	}

	existing, err := s.repo.FindByID(ctx, invitationID, listID)
	if err != nil {
		return nil, "", err
	}
	if existing == nil {
		return nil, "", ErrInvitationNotFound
	}
	if !existing.Status.IsOpen() || existing.InvitedEmail == nil {
		return nil, "", ErrInvalidTransition
	}

	token, tokenHash, err := GenerateInviteToken()
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	inv, err := s.repo.Rotate(ctx, invitationID, RotateInvitationParams{
		InviterID: inviterID,
		TokenHash: tokenHash,
		ExpiresAt: now.Add(s.tokenTTL),
		SentAt:    now,
	})
	if err != nil {
		return nil, "", err
	}
	if inv == nil {
		// Lost a race with a concurrent consume/revoke.
		return nil, "", ErrInvalidTransition
	}
	return inv, token, nil
}

// Revoke withdraws an open invitation, clearing its token so the link dies.
func (s *InvitationService) Revoke(ctx context.Context, invitationID, listID uuid.UUID) (*models.Invitation, error) {
	existing, err := s.repo.FindByID(ctx, invitationID, listID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrInvitationNotFound
	}
	if !existing.Status.IsOpen() {
		return nil, ErrInvalidTransition
	}

	inv, err := s.repo.MarkRevoked(ctx, invitationID, nil, s.now())
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrInvalidTransition
	}
	return inv, nil
}

// ApprovePending grants access to the claimant of a pending-approval row.
func (s *InvitationService) ApprovePending(ctx context.Context, invitationID, listID, ownerID uuid.UUID) (*models.Invitation, error) {
	existing, err := s.repo.FindByID(ctx, invitationID, listID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrInvitationNotFound
	}
	if existing.Status != models.InvitationPendingApproval || existing.UserID == nil {
		return nil, ErrInvalidTransition
	}

	inv, err := s.repo.MarkApproved(ctx, invitationID, ownerID, s.now())
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrInvalidTransition
	}
	return inv, nil
}

// RejectPending denies the claimant; the row lands in the revoked terminal
// state with the rejecting owner stamped.
func (s *InvitationService) RejectPending(ctx context.Context, invitationID, listID, ownerID uuid.UUID) (*models.Invitation, error) {
	existing, err := s.repo.FindByID(ctx, invitationID, listID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrInvitationNotFound
	}
	if existing.Status != models.InvitationPendingApproval {
		return nil, ErrInvalidTransition
	}

	inv, err := s.repo.MarkRevoked(ctx, invitationID, &ownerID, s.now())
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrInvalidTransition
	}
	return inv, nil
}

// RevokeAllOpenForList bulk-revokes every open invitation on a list,
// leaving accepted memberships and other terminal rows alone.
func (s *InvitationService) RevokeAllOpenForList(ctx context.Context, listID uuid.UUID) ([]models.Invitation, error) {
	return s.repo.RevokeAllOpen(ctx, listID, s.now())
}

// ListByStatus lists a list's invitation rows; empty statuses means all.
func (s *InvitationService) ListByStatus(ctx context.Context, listID uuid.UUID, statuses []models.InvitationStatus) ([]models.Invitation, error) {
	if len(statuses) == 0 {
		statuses = models.AllInvitationStatuses
	}
	return s.repo.ListByStatus(ctx, listID, statuses)
}

// ConsumeStatus is the typed outcome of a token submission.
type ConsumeStatus string

const (
	// ConsumeInvalid covers unknown tokens, rows missing required fields,
	// and lost optimistic races. They are all reported identically so a
	// caller cannot distinguish "never existed" from "just consumed".
	ConsumeInvalid ConsumeStatus = "invalid"
	// ConsumeRevoked, ConsumeExpired, ConsumeAlreadyAccepted and
	// ConsumeAlreadyPending are idempotent reads of a prior outcome.
	ConsumeRevoked         ConsumeStatus = "revoked"
	ConsumeExpired         ConsumeStatus = "expired"
	ConsumeAlreadyAccepted ConsumeStatus = "accepted"
	ConsumeAlreadyPending  ConsumeStatus = "pending_approval"
	// ConsumeAcceptedNow and ConsumePendingNow mean this call performed the
	// transition.
	ConsumeAcceptedNow ConsumeStatus = "accepted_now"
	ConsumePendingNow  ConsumeStatus = "pending_approval_now"
)

// ConsumeResult is the outcome of Consume. Invitation is set only for the
// transitions this call performed.
type ConsumeResult struct {
	Status     ConsumeStatus
	Invitation *models.Invitation
}

// Consume redeems a bearer token for the acting user. Matching email leads
// to accepted; a mismatch parks the row in pending approval for the owner to
// decide. The transition is a compare-and-swap guarded by the row's current
// token hash and status, so exactly one of any set of concurrent consumers
// wins; the rest observe an invalid result.
func (s *InvitationService) Consume(ctx context.Context, token string, userID uuid.UUID, userEmail string) (*ConsumeResult, error) {
	now := s.now()
	inv, err := s.repo.FindByTokenHash(ctx, HashInviteToken(token))
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return &ConsumeResult{Status: ConsumeInvalid}, nil
	}

	switch inv.Status {
	case models.InvitationRevoked:
		return &ConsumeResult{Status: ConsumeRevoked}, nil
	case models.InvitationAccepted:
		return &ConsumeResult{Status: ConsumeAlreadyAccepted}, nil
	case models.InvitationPendingApproval:
		return &ConsumeResult{Status: ConsumeAlreadyPending}, nil
	case models.InvitationExpired:
		return &ConsumeResult{Status: ConsumeExpired}, nil
	}

	if IsInviteExpired(inv.ExpiresAt, now) {
		// Lazy expiry: the row is only marked when someone trips over it.
		if err := s.repo.MarkExpired(ctx, inv.ID, now); err != nil {
			return nil, err
		}
		return &ConsumeResult{Status: ConsumeExpired}, nil
	}

	if inv.InvitedEmail == nil || inv.TokenHash == nil {
		return &ConsumeResult{Status: ConsumeInvalid}, nil
	}

	upd := ConsumeInvitationUpdate{UserID: userID}
	if NormalizeEmail(userEmail) == *inv.InvitedEmail {
		upd.NewStatus = models.InvitationAccepted
		upd.AcceptedAt = &now
	} else {
		upd.NewStatus = models.InvitationPendingApproval
		upd.ApprovalRequestedAt = &now
	}

	updated, err := s.repo.ConsumeOptimistic(ctx, inv.ID, upd, *inv.TokenHash, inv.Status)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		// Guard miss: a concurrent consumption changed the row first.
		return &ConsumeResult{Status: ConsumeInvalid}, nil
	}

	if upd.NewStatus == models.InvitationAccepted {
		return &ConsumeResult{Status: ConsumeAcceptedNow, Invitation: updated}, nil
	}
	return &ConsumeResult{Status: ConsumePendingNow, Invitation: updated}, nil
}

// RecordEmailDelivery stamps the send outcome reported by the email
// transport onto the invitation row.
func (s *InvitationService) RecordEmailDelivery(ctx context.Context, invitationID uuid.UUID, status models.EmailDeliveryStatus, providerID, errorMessage *string) (*models.Invitation, error) {
	return s.repo.SetEmailDelivery(ctx, invitationID, status, providerID, errorMessage, s.now())
}

// ReconcileDelivery applies a provider delivery event to the row carrying
// the provider message id. An unknown id is not an error: the event may have
// raced ahead of the row being stamped, or refer to an unrelated message.
// Re-applying the same event converges on the same row state.
func (s *InvitationService) ReconcileDelivery(ctx context.Context, providerID string, status models.EmailDeliveryStatus, errorMessage *string) (*models.Invitation, error) {
	inv, err := s.repo.FindByProviderID(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, nil
	}
	pid := providerID
	return s.repo.SetEmailDelivery(ctx, inv.ID, status, &pid, errorMessage, s.now())
}

// ExpireStale sweeps sent rows whose deadline has passed. Expiry is already
// enforced lazily at consumption; the sweep just keeps listings honest.
func (s *InvitationService) ExpireStale(ctx context.Context) (int64, error) {
	return s.repo.ExpireStaleSent(ctx, s.now())
}
