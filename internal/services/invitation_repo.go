package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tidylists/listshare/internal/models"
)

// UpsertOpenInvitationParams carries everything a fresh (or rotated) sent row
// needs. The email must already be normalized.
type UpsertOpenInvitationParams struct {
	ListID       uuid.UUID
	InviterID    uuid.UUID
	InvitedEmail string
	TokenHash    string
	ExpiresAt    time.Time
	SentAt       time.Time
}

// RotateInvitationParams describes a resend: a new token/expiry on the same
// row, with any previous consumption or approval state wiped.
type RotateInvitationParams struct {
	InviterID uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	SentAt    time.Time
}

// ConsumeInvitationUpdate is the write half of the consume CAS: the claimant
// binding plus the target status. Exactly one of AcceptedAt and
// ApprovalRequestedAt is set, matching the target status.
type ConsumeInvitationUpdate struct {
	UserID              uuid.UUID
	NewStatus           models.InvitationStatus
	AcceptedAt          *time.Time
	ApprovalRequestedAt *time.Time
}

// InvitationRepository is the persistence contract for collaborator slots.
// All mutations are conditional: guarded either by the partial-uniqueness
// constraint over open rows (UpsertOpen) or by a status/token-hash predicate
// in the statement itself, so concurrent callers race at the store and the
// loser observes a nil row instead of clobbering state. Finders return
// (nil, nil) when no row matches.
type InvitationRepository interface {
	FindByID(ctx context.Context, invitationID, listID uuid.UUID) (*models.Invitation, error)
	FindOpenByEmail(ctx context.Context, listID uuid.UUID, email string) (*models.Invitation, error)
	FindAcceptedByEmail(ctx context.Context, listID uuid.UUID, email string) (*models.Invitation, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*models.Invitation, error)
	FindByProviderID(ctx context.Context, providerID string) (*models.Invitation, error)

	// UpsertOpen atomically creates the open row for (list, email) or rotates
	// the existing one in place. reused reports whether a prior row was taken
	// over rather than inserted.
	UpsertOpen(ctx context.Context, params UpsertOpenInvitationParams) (inv *models.Invitation, reused bool, err error)

	// Rotate re-issues the token on an open row. Returns (nil, nil) if the
	// row is no longer open.
	Rotate(ctx context.Context, invitationID uuid.UUID, params RotateInvitationParams) (*models.Invitation, error)

	// MarkRevoked moves an open row to revoked. rejectedBy is set when the
	// revocation is an owner rejecting a pending-approval claim. Returns
	// (nil, nil) if the row is not open.
	MarkRevoked(ctx context.Context, invitationID uuid.UUID, rejectedBy *uuid.UUID, now time.Time) (*models.Invitation, error)

	// MarkApproved moves a claimed pending-approval row to accepted. Returns
	// (nil, nil) if the row is not pending approval with a bound user.
	MarkApproved(ctx context.Context, invitationID, approvedBy uuid.UUID, now time.Time) (*models.Invitation, error)

	// MarkExpired lazily expires a sent row whose deadline passed. A no-op if
	// the row already left the sent state.
	MarkExpired(ctx context.Context, invitationID uuid.UUID, now time.Time) error

	// ConsumeOptimistic performs the single-winner transition out of sent:
	// the update applies only while the row still carries expectedTokenHash
	// in expectedStatus. Returns (nil, nil) when the guard misses.
	ConsumeOptimistic(ctx context.Context, invitationID uuid.UUID, upd ConsumeInvitationUpdate, expectedTokenHash string, expectedStatus models.InvitationStatus) (*models.Invitation, error)

	// RevokeAllOpen bulk-revokes every open row on a list, leaving terminal
	// rows untouched.
	RevokeAllOpen(ctx context.Context, listID uuid.UUID, now time.Time) ([]models.Invitation, error)

	ListByStatus(ctx context.Context, listID uuid.UUID, statuses []models.InvitationStatus) ([]models.Invitation, error)

	// SetEmailDelivery overwrites the delivery columns; both the send path
	// and the webhook reconciler go through it, idempotently.
	SetEmailDelivery(ctx context.Context, invitationID uuid.UUID, status models.EmailDeliveryStatus, providerID, errorMessage *string, now time.Time) (*models.Invitation, error)

	// ExpireStaleSent sweeps every sent row whose deadline passed, returning
	// how many rows were expired.
	ExpireStaleSent(ctx context.Context, now time.Time) (int64, error)
}

const invitationColumns = `id, list_id, user_id, role, invite_status, invited_email_normalized,
	 inviter_id, invite_token_hash, invite_expires_at, invite_sent_at, invite_accepted_at,
	 invite_revoked_at, invite_expired_at, invitation_approval_requested_at,
	 invitation_approved_by, invitation_approved_at, invitation_rejected_by,
	 invitation_rejected_at, email_delivery_status, email_delivery_error,
	 email_delivery_provider_id, email_last_sent_at, created_at, updated_at`

// PostgresInvitationRepository stores collaborator slots in the
// list_collaborators table. Open-invite uniqueness is enforced by a partial
// unique index over (list_id, invited_email_normalized) scoped to open
// statuses; consume races resolve through a conditional UPDATE.
type PostgresInvitationRepository struct {
	db DB
}

func NewPostgresInvitationRepository(db DB) *PostgresInvitationRepository {
	return &PostgresInvitationRepository{db: db}
}

func scanInvitation(row Row) (*models.Invitation, error) {
	var inv models.Invitation
	var status string
	var role string
	var delivery *string
	err := row.Scan(
		&inv.ID, &inv.ListID, &inv.UserID, &role, &status, &inv.InvitedEmail,
		&inv.InviterID, &inv.TokenHash, &inv.ExpiresAt, &inv.SentAt, &inv.AcceptedAt,
		&inv.RevokedAt, &inv.ExpiredAt, &inv.ApprovalRequestedAt,
		&inv.ApprovedBy, &inv.ApprovedAt, &inv.RejectedBy,
		&inv.RejectedAt, &delivery, &inv.EmailDeliveryError,
		&inv.EmailProviderID, &inv.EmailLastSentAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Role = models.CollaboratorRole(role)
	inv.Status = models.InvitationStatus(status)
	if delivery != nil {
		d := models.EmailDeliveryStatus(*delivery)
		inv.EmailDeliveryStatus = &d
	}
	return &inv, nil
}

func (r *PostgresInvitationRepository) findOne(ctx context.Context, sql string, args ...any) (*models.Invitation, error) {
	inv, err := scanInvitation(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *PostgresInvitationRepository) FindByID(ctx context.Context, invitationID, listID uuid.UUID) (*models.Invitation, error) {
	inv, err := r.findOne(ctx,
		`SELECT `+invitationColumns+`
		 FROM list_collaborators
		 WHERE id = $1 AND list_id = $2`,
		invitationID, listID,
	)
	if err != nil {
		return nil, fmt.Errorf("find invitation by id: %w", err)
	}
	return inv, nil
}

func (r *PostgresInvitationRepository) FindOpenByEmail(ctx context.Context, listID uuid.UUID, email string) (*models.Invitation, error) {
	inv, err := r.findOne(ctx,
		`SELECT `+invitationColumns+`
		 FROM list_collaborators
		 WHERE list_id = $1
		   AND invited_email_normalized = $2
		   AND invite_status IN ('sent', 'pending_approval')`,
		listID, email,
	)
	if err != nil {
		return nil, fmt.Errorf("find open invitation: %w", err)
	}
	return inv, nil
}

func (r *PostgresInvitationRepository) FindAcceptedByEmail(ctx context.Context, listID uuid.UUID, email string) (*models.Invitation, error) {
	inv, err := r.findOne(ctx,
		`SELECT `+invitationColumns+`
		 FROM list_collaborators
		 WHERE list_id = $1
		   AND invited_email_normalized = $2
		   AND invite_status = 'accepted'
		 LIMIT 1`,
		listID, email,
	)
	if err != nil {
		return nil, fmt.Errorf("find accepted invitation: %w", err)
	}
	return inv, nil
}

func (r *PostgresInvitationRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*models.Invitation, error) {
	inv, err := r.findOne(ctx,
		`SELECT `+invitationColumns+`
		 FROM list_collaborators
		 WHERE invite_token_hash = $1`,
		tokenHash,
	)
	if err != nil {
		return nil, fmt.Errorf("find invitation by token hash: %w", err)
	}
	return inv, nil
}

func (r *PostgresInvitationRepository) FindByProviderID(ctx context.Context, providerID string) (*models.Invitation, error) {
	inv, err := r.findOne(ctx,
		`SELECT `+invitationColumns+`
		 FROM list_collaborators
		 WHERE email_delivery_provider_id = $1
		 LIMIT 1`,
		providerID,
	)
	if err != nil {
		return nil, fmt.Errorf("find invitation by provider id: %w", err)
	}
	return inv, nil
}

func (r *PostgresInvitationRepository) UpsertOpen(ctx context.Context, params UpsertOpenInvitationParams) (*models.Invitation, bool, error) {
	// The conflict target matches the partial unique index over open rows,
	// so two concurrent creators converge on one row id at the store.
	// xmax = 0 distinguishes a fresh insert from a rotated existing row.
	row := r.db.QueryRow(ctx,
		`INSERT INTO list_collaborators
		     (list_id, user_id, role, invite_status, invited_email_normalized,
		      inviter_id, invite_token_hash, invite_expires_at, invite_sent_at)
		 VALUES ($1, NULL, 'collaborator', 'sent', $2, $3, $4, $5, $6)
		 ON CONFLICT (list_id, invited_email_normalized)
		     WHERE invite_status IN ('sent', 'pending_approval')
		 DO UPDATE SET
		     user_id = NULL,
		     role = 'collaborator',
		     invite_status = 'sent',
		     inviter_id = EXCLUDED.inviter_id,
		     invite_token_hash = EXCLUDED.invite_token_hash,
		     invite_expires_at = EXCLUDED.invite_expires_at,
		     invite_sent_at = EXCLUDED.invite_sent_at,
		     invite_accepted_at = NULL,
		     invite_revoked_at = NULL,
		     invite_expired_at = NULL,
		     invitation_approval_requested_at = NULL,
		     invitation_approved_by = NULL,
		     invitation_approved_at = NULL,
		     invitation_rejected_by = NULL,
		     invitation_rejected_at = NULL,
		     email_delivery_status = NULL,
		     email_delivery_error = NULL,
		     email_delivery_provider_id = NULL,
		     email_last_sent_at = NULL,
		     updated_at = NOW()
		 RETURNING `+invitationColumns+`, (xmax = 0) AS inserted`,
		params.ListID, params.InvitedEmail, params.InviterID,
		params.TokenHash, params.ExpiresAt, params.SentAt,
	)

	var inv models.Invitation
	var status, role string
	var delivery *string
	var inserted bool
	err := row.Scan(
		&inv.ID, &inv.ListID, &inv.UserID, &role, &status, &inv.InvitedEmail,
		&inv.InviterID, &inv.TokenHash, &inv.ExpiresAt, &inv.SentAt, &inv.AcceptedAt,
		&inv.RevokedAt, &inv.ExpiredAt, &inv.ApprovalRequestedAt,
		&inv.ApprovedBy, &inv.ApprovedAt, &inv.RejectedBy,
		&inv.RejectedAt, &delivery, &inv.EmailDeliveryError,
		&inv.EmailProviderID, &inv.EmailLastSentAt, &inv.CreatedAt, &inv.UpdatedAt,
		&inserted,
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert open invitation: %w", err)
	}
	inv.Role = models.CollaboratorRole(role)
	inv.Status = models.InvitationStatus(status)
	if delivery != nil {
		d := models.EmailDeliveryStatus(*delivery)
		inv.EmailDeliveryStatus = &d
	}
	return &inv, !inserted, nil
}

func (r *PostgresInvitationRepository) Rotate(ctx context.Context, invitationID uuid.UUID, params RotateInvitationParams) (*models.Invitation, error) {
	inv, err := r.findOne(ctx,
		`UPDATE list_collaborators
		 SET user_id = NULL,
		     invite_status = 'sent',
		     inviter_id = $2,
		     invite_token_hash = $3,
		     invite_expires_at = $4,
		     invite_sent_at = $5,
		     invite_accepted_at = NULL,
		     invite_revoked_at = NULL,
		     invite_expired_at = NULL,
		     invitation_approval_requested_at = NULL,
		     invitation_approved_by = NULL,
		     invitation_approved_at = NULL,
		     invitation_rejected_by = NULL,
		     invitation_rejected_at = NULL,
		     email_delivery_status = NULL,
		     email_delivery_error = NULL,
		     email_delivery_provider_id = NULL,
		     email_last_sent_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND invite_status IN ('sent', 'pending_approval')
		 RETURNING `+invitationColumns,
		invitationID, params.InviterID, params.TokenHash, params.ExpiresAt, params.SentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("rotate invitation: %w", err)
	}
	return inv, nil
}

func (r *PostgresInvitationRepository) MarkRevoked(ctx context.Context, invitationID uuid.UUID, rejectedBy *uuid.UUID, now time.Time) (*models.Invitation, error) {
	var rejectedAt *time.Time
	if rejectedBy != nil {
		rejectedAt = &now
	}
	inv, err := r.findOne(ctx,
		`UPDATE list_collaborators
		 SET invite_status = 'revoked',
		     invite_token_hash = NULL,
		     invite_expires_at = NULL,
		     invite_revoked_at = $2,
		     invitation_rejected_by = $3,
		     invitation_rejected_at = $4,
		     updated_at = NOW()
		 WHERE id = $1 AND invite_status IN ('sent', 'pending_approval')
		 RETURNING `+invitationColumns,
		invitationID, now, rejectedBy, rejectedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("revoke invitation: %w", err)
	}
	return inv, nil
}

func (r *PostgresInvitationRepository) MarkApproved(ctx context.Context, invitationID, approvedBy uuid.UUID, now time.Time) (*models.Invitation, error) {
	inv, err := r.findOne(ctx,
		`UPDATE list_collaborators
		 SET invite_status = 'accepted',
		     invite_token_hash = NULL,
		     invite_expires_at = NULL,
		     invite_accepted_at = $2,
		     invitation_approved_by = $3,
		     invitation_approved_at = $2,
		     invitation_rejected_by = NULL,
		     invitation_rejected_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND invite_status = 'pending_approval' AND user_id IS NOT NULL
		 RETURNING `+invitationColumns,
		invitationID, now, approvedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("approve invitation: %w", mapCollaboratorsUniqueViolation(err))
	}
	return inv, nil
}

func (r *PostgresInvitationRepository) MarkExpired(ctx context.Context, invitationID uuid.UUID, now time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE list_collaborators
		 SET invite_status = 'expired',
		     invite_token_hash = NULL,
		     invite_expired_at = $2,
		     updated_at = NOW()
		 WHERE id = $1 AND invite_status = 'sent'`,
		invitationID, now,
	)
	if err != nil {
		return fmt.Errorf("expire invitation: %w", err)
	}
	return nil
}

// mapCollaboratorsUniqueViolation converts an accepted-membership unique
// violation into ErrDuplicateAcceptedCollaborator. Other errors pass through.
func mapCollaboratorsUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" &&
		(pgErr.ConstraintName == "idx_collaborators_accepted_email" ||
			pgErr.ConstraintName == "idx_collaborators_accepted_user") {
		return ErrDuplicateAcceptedCollaborator
	}
	return err
}

func (r *PostgresInvitationRepository) ConsumeOptimistic(ctx context.Context, invitationID uuid.UUID, upd ConsumeInvitationUpdate, expectedTokenHash string, expectedStatus models.InvitationStatus) (*models.Invitation, error) {
	inv, err := r.findOne(ctx,
		`UPDATE list_collaborators
		 SET user_id = $2,
		     invite_status = $3,
		     invite_token_hash = NULL,
		     invite_expires_at = NULL,
		     invite_accepted_at = $4,
		     invitation_approval_requested_at = $5,
		     updated_at = NOW()
		 WHERE id = $1
		   AND invite_token_hash = $6
		   AND invite_status = $7
		 RETURNING `+invitationColumns,
		invitationID, upd.UserID, string(upd.NewStatus),
		upd.AcceptedAt, upd.ApprovalRequestedAt,
		expectedTokenHash, string(expectedStatus),
	)
	if err != nil {
		return nil, fmt.Errorf("consume invitation: %w", mapCollaboratorsUniqueViolation(err))
	}
	return inv, nil
}

func (r *PostgresInvitationRepository) RevokeAllOpen(ctx context.Context, listID uuid.UUID, now time.Time) ([]models.Invitation, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE list_collaborators
		 SET invite_status = 'revoked',
		     invite_token_hash = NULL,
		     invite_expires_at = NULL,
		     invite_revoked_at = $2,
		     updated_at = NOW()
		 WHERE list_id = $1 AND invite_status IN ('sent', 'pending_approval')
		 RETURNING `+invitationColumns,
		listID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("revoke open invitations: %w", err)
	}
	defer rows.Close()
	return collectInvitations(rows)
}

func (r *PostgresInvitationRepository) ListByStatus(ctx context.Context, listID uuid.UUID, statuses []models.InvitationStatus) ([]models.Invitation, error) {
	if len(statuses) == 0 {
		return []models.Invitation{}, nil
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+invitationColumns+`
		 FROM list_collaborators
		 WHERE list_id = $1 AND invite_status = ANY($2)
		 ORDER BY updated_at DESC`,
		listID, values,
	)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()
	return collectInvitations(rows)
}

func (r *PostgresInvitationRepository) SetEmailDelivery(ctx context.Context, invitationID uuid.UUID, status models.EmailDeliveryStatus, providerID, errorMessage *string, now time.Time) (*models.Invitation, error) {
	inv, err := r.findOne(ctx,
		`UPDATE list_collaborators
		 SET email_delivery_status = $2,
		     email_delivery_provider_id = $3,
		     email_delivery_error = $4,
		     email_last_sent_at = $5,
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+invitationColumns,
		invitationID, string(status), providerID, errorMessage, now,
	)
	if err != nil {
		return nil, fmt.Errorf("set email delivery: %w", err)
	}
	return inv, nil
}

func (r *PostgresInvitationRepository) ExpireStaleSent(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Exec(ctx,
		`UPDATE list_collaborators
		 SET invite_status = 'expired',
		     invite_token_hash = NULL,
		     invite_expired_at = $1,
		     updated_at = NOW()
		 WHERE invite_status = 'sent'
		   AND invite_expires_at IS NOT NULL
		   AND invite_expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale invitations: %w", err)
	}
	return result.RowsAffected(), nil
}

func collectInvitations(rows Rows) ([]models.Invitation, error) {
	invitations := []models.Invitation{}
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		invitations = append(invitations, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return invitations, nil
}
