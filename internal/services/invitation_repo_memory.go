package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidylists/listshare/internal/models"
)

// ErrDuplicateAcceptedCollaborator mirrors the accepted-membership unique
// index: at most one accepted row per (list, user).
var ErrDuplicateAcceptedCollaborator = errors.New("user already has an accepted collaborator row on this list")

// MemoryInvitationRepository is the reference in-memory implementation of
// InvitationRepository. It honors the same invariants as the Postgres
// repository (one open row per list+email, CAS-guarded consumption, accepted
// uniqueness) under a single mutex, so the lifecycle service behaves
// identically against either store. Intended for tests and local development.
type MemoryInvitationRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Invitation
}

func NewMemoryInvitationRepository() *MemoryInvitationRepository {
	return &MemoryInvitationRepository{rows: make(map[uuid.UUID]*models.Invitation)}
}

func cloneInvitation(inv *models.Invitation) *models.Invitation {
	if inv == nil {
		return nil
	}
	c := *inv
	c.UserID = clonePtr(inv.UserID)
	c.InvitedEmail = clonePtr(inv.InvitedEmail)
	c.InviterID = clonePtr(inv.InviterID)
	c.TokenHash = clonePtr(inv.TokenHash)
	c.ExpiresAt = clonePtr(inv.ExpiresAt)
	c.SentAt = clonePtr(inv.SentAt)
	c.AcceptedAt = clonePtr(inv.AcceptedAt)
	c.RevokedAt = clonePtr(inv.RevokedAt)
	c.ExpiredAt = clonePtr(inv.ExpiredAt)
	c.ApprovalRequestedAt = clonePtr(inv.ApprovalRequestedAt)
	c.ApprovedBy = clonePtr(inv.ApprovedBy)
	c.ApprovedAt = clonePtr(inv.ApprovedAt)
	c.RejectedBy = clonePtr(inv.RejectedBy)
	c.RejectedAt = clonePtr(inv.RejectedAt)
	c.EmailDeliveryStatus = clonePtr(inv.EmailDeliveryStatus)
	c.EmailDeliveryError = clonePtr(inv.EmailDeliveryError)
	c.EmailProviderID = clonePtr(inv.EmailProviderID)
	c.EmailLastSentAt = clonePtr(inv.EmailLastSentAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (r *MemoryInvitationRepository) FindByID(ctx context.Context, invitationID, listID uuid.UUID) (*models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.rows[invitationID]
	if !ok || inv.ListID != listID {
		return nil, nil
	}
	return cloneInvitation(inv), nil
}

func (r *MemoryInvitationRepository) FindOpenByEmail(ctx context.Context, listID uuid.UUID, email string) (*models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneInvitation(r.openByEmailLocked(listID, email)), nil
}

func (r *MemoryInvitationRepository) openByEmailLocked(listID uuid.UUID, email string) *models.Invitation {
	for _, inv := range r.rows {
		if inv.ListID == listID && inv.Status.IsOpen() &&
			inv.InvitedEmail != nil && *inv.InvitedEmail == email {
			return inv
		}
	}
	return nil
}

func (r *MemoryInvitationRepository) FindAcceptedByEmail(ctx context.Context, listID uuid.UUID, email string) (*models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.rows {
		if inv.ListID == listID && inv.Status == models.InvitationAccepted &&
			inv.InvitedEmail != nil && *inv.InvitedEmail == email {
			return cloneInvitation(inv), nil
		}
	}
	return nil, nil
}

func (r *MemoryInvitationRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.rows {
		if inv.TokenHash != nil && *inv.TokenHash == tokenHash {
			return cloneInvitation(inv), nil
		}
	}
	return nil, nil
}

func (r *MemoryInvitationRepository) FindByProviderID(ctx context.Context, providerID string) (*models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.rows {
		if inv.EmailProviderID != nil && *inv.EmailProviderID == providerID {
			return cloneInvitation(inv), nil
		}
	}
	return nil, nil
}

func (r *MemoryInvitationRepository) UpsertOpen(ctx context.Context, params UpsertOpenInvitationParams) (*models.Invitation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	email := params.InvitedEmail
	if existing := r.openByEmailLocked(params.ListID, email); existing != nil {
		rotateLocked(existing, RotateInvitationParams{
			InviterID: params.InviterID,
			TokenHash: params.TokenHash,
			ExpiresAt: params.ExpiresAt,
			SentAt:    params.SentAt,
		}, now)
		return cloneInvitation(existing), true, nil
	}

	inviter := params.InviterID
	expires := params.ExpiresAt
	sent := params.SentAt
	hash := params.TokenHash
	inv := &models.Invitation{
		ID:           uuid.New(),
		ListID:       params.ListID,
		Role:         models.RoleCollaborator,
		Status:       models.InvitationSent,
		InvitedEmail: &email,
		InviterID:    &inviter,
		TokenHash:    &hash,
		ExpiresAt:    &expires,
		SentAt:       &sent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.rows[inv.ID] = inv
	return cloneInvitation(inv), false, nil
}

func rotateLocked(inv *models.Invitation, params RotateInvitationParams, now time.Time) {
	inviter := params.InviterID
	hash := params.TokenHash
	expires := params.ExpiresAt
	sent := params.SentAt
	inv.UserID = nil
	inv.Status = models.InvitationSent
	inv.InviterID = &inviter
	inv.TokenHash = &hash
	inv.ExpiresAt = &expires
	inv.SentAt = &sent
	inv.AcceptedAt = nil
	inv.RevokedAt = nil
	inv.ExpiredAt = nil
	inv.ApprovalRequestedAt = nil
	inv.ApprovedBy = nil
	inv.ApprovedAt = nil
	inv.RejectedBy = nil
	inv.RejectedAt = nil
	inv.EmailDeliveryStatus = nil
	inv.EmailDeliveryError = nil
	inv.EmailProviderID = nil
	inv.EmailLastSentAt = nil
	inv.UpdatedAt = now
}

func (r *MemoryInvitationRepository) Rotate(ctx context.Context, invitationID uuid.UUID, params RotateInvitationParams) (*models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.rows[invitationID]
	if !ok || !inv.Status.IsOpen() {
		return nil, nil
	}
	rotateLocked(inv, params, time.Now())
	return cloneInvitation(inv), nil
}

func (r *MemoryInvitationRepository) MarkRevoked(ctx context.Context, invitationID uuid.UUID, rejectedBy *uuid.UUID, now time.Time) (*models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.rows[invitationID]
	if !ok || !inv.Status.IsOpen() {
		return nil, nil
	}
	revokedAt := now
	inv.Status = models.InvitationRevoked
	inv.TokenHash = nil
	inv.ExpiresAt = nil
	inv.RevokedAt = &revokedAt
	inv.RejectedBy = clonePtr(rejectedBy)
	if rejectedBy != nil {
		rejectedAt := now
		inv.RejectedAt = &rejectedAt
	} else {
		inv.RejectedAt = nil
	}
	inv.UpdatedAt = now
	return cloneInvitation(inv), nil
}

func (r *MemoryInvitationRepository) MarkApproved(ctx context.Context, invitationID, approvedBy uuid.UUID, now time.Time) (*models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.rows[invitationID]
	if !ok || inv.Status != models.InvitationPendingApproval || inv.UserID == nil {
		return nil, nil
	}
	if err := r.checkAcceptedUniqueLocked(inv.ListID, *inv.UserID, inv.ID); err != nil {
		return nil, err
	}
	acceptedAt := now
	approver := approvedBy
	inv.Status = models.InvitationAccepted
	inv.TokenHash = nil
	inv.ExpiresAt = nil
	inv.AcceptedAt = &acceptedAt
	inv.ApprovedBy = &approver
	inv.ApprovedAt = &acceptedAt
	inv.RejectedBy = nil
	inv.RejectedAt = nil
	inv.UpdatedAt = now
	return cloneInvitation(inv), nil
}

func (r *MemoryInvitationRepository) MarkExpired(ctx context.Context, invitationID uuid.UUID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.rows[invitationID]
	if !ok || inv.Status != models.InvitationSent {
		return nil
	}
	expiredAt := now
	inv.Status = models.InvitationExpired
	inv.TokenHash = nil
	inv.ExpiredAt = &expiredAt
	inv.UpdatedAt = now
	return nil
}

func (r *MemoryInvitationRepository) ConsumeOptimistic(ctx context.Context, invitationID uuid.UUID, upd ConsumeInvitationUpdate, expectedTokenHash string, expectedStatus models.InvitationStatus) (*models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.rows[invitationID]
	if !ok {
		return nil, nil
	}
	// The CAS guard: the row must still carry the expected hash in the
	// expected status, otherwise a concurrent consumer already won.
	if inv.TokenHash == nil || *inv.TokenHash != expectedTokenHash || inv.Status != expectedStatus {
		return nil, nil
	}
	if upd.NewStatus == models.InvitationAccepted {
		if err := r.checkAcceptedUniqueLocked(inv.ListID, upd.UserID, inv.ID); err != nil {
			return nil, err
		}
	}
	userID := upd.UserID
	inv.UserID = &userID
	inv.Status = upd.NewStatus
	inv.TokenHash = nil
	inv.ExpiresAt = nil
	inv.AcceptedAt = clonePtr(upd.AcceptedAt)
	inv.ApprovalRequestedAt = clonePtr(upd.ApprovalRequestedAt)
	inv.UpdatedAt = time.Now()
	return cloneInvitation(inv), nil
}

func (r *MemoryInvitationRepository) checkAcceptedUniqueLocked(listID, userID, exceptID uuid.UUID) error {
	for _, other := range r.rows {
		if other.ID == exceptID {
			continue
		}
		if other.ListID == listID && other.Status == models.InvitationAccepted &&
			other.UserID != nil && *other.UserID == userID {
			return ErrDuplicateAcceptedCollaborator
		}
	}
	return nil
}

func (r *MemoryInvitationRepository) RevokeAllOpen(ctx context.Context, listID uuid.UUID, now time.Time) ([]models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	revoked := []models.Invitation{}
	for _, inv := range r.rows {
		if inv.ListID != listID || !inv.Status.IsOpen() {
			continue
		}
		revokedAt := now
		inv.Status = models.InvitationRevoked
		inv.TokenHash = nil
		inv.ExpiresAt = nil
		inv.RevokedAt = &revokedAt
		inv.UpdatedAt = now
		revoked = append(revoked, *cloneInvitation(inv))
	}
	return revoked, nil
}

func (r *MemoryInvitationRepository) ListByStatus(ctx context.Context, listID uuid.UUID, statuses []models.InvitationStatus) ([]models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[models.InvitationStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	matches := []models.Invitation{}
	for _, inv := range r.rows {
		if inv.ListID == listID && wanted[inv.Status] {
			matches = append(matches, *cloneInvitation(inv))
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	return matches, nil
}

func (r *MemoryInvitationRepository) SetEmailDelivery(ctx context.Context, invitationID uuid.UUID, status models.EmailDeliveryStatus, providerID, errorMessage *string, now time.Time) (*models.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.rows[invitationID]
	if !ok {
		return nil, nil
	}
	s := status
	lastSent := now
	inv.EmailDeliveryStatus = &s
	inv.EmailProviderID = clonePtr(providerID)
	inv.EmailDeliveryError = clonePtr(errorMessage)
	inv.EmailLastSentAt = &lastSent
	inv.UpdatedAt = now
	return cloneInvitation(inv), nil
}

func (r *MemoryInvitationRepository) ExpireStaleSent(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired int64
	for _, inv := range r.rows {
		if inv.Status != models.InvitationSent {
			continue
		}
		if inv.ExpiresAt == nil || inv.ExpiresAt.After(now) {
			continue
		}
		expiredAt := now
		inv.Status = models.InvitationExpired
		inv.TokenHash = nil
		inv.ExpiredAt = &expiredAt
		inv.UpdatedAt = now
		expired++
	}
	return expired, nil
}
