package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tidylists/listshare/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestInvitationService() (*InvitationService, *MemoryInvitationRepository, *fakeClock) {
	repo := NewMemoryInvitationRepository()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewInvitationService(repo, nil).WithClock(clock.Now)
	return svc, repo, clock
}

func TestCreateOrRotate_NewInvitation(t *testing.T) {
	svc, _, clock := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()
	inviterID := uuid.New()

	result, err := svc.CreateOrRotate(ctx, listID, inviterID, " Alice@Example.COM ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reused {
		t.Error("expected a fresh row, got reused")
	}
	if result.Token == "" {
		t.Fatal("expected a raw token")
	}

	inv := result.Invitation
	if inv.Status != models.InvitationSent {
		t.Errorf("expected status sent, got %s", inv.Status)
	}
	if inv.InvitedEmail == nil || *inv.InvitedEmail != "alice@example.com" {
		t.Errorf("expected normalized email, got %v", inv.InvitedEmail)
	}
	if inv.TokenHash == nil || *inv.TokenHash != HashInviteToken(result.Token) {
		t.Error("stored hash does not match the issued token")
	}
	if inv.ExpiresAt == nil || !inv.ExpiresAt.Equal(clock.Now().Add(InvitationTokenTTL)) {
		t.Errorf("expected expiry at now+TTL, got %v", inv.ExpiresAt)
	}
	if inv.InviterID == nil || *inv.InviterID != inviterID {
		t.Error("expected inviter to be recorded")
	}
}

func TestCreateOrRotate_RejectsAcceptedCollaborator(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()

	result, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "bob@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Consume(ctx, result.Token, uuid.New(), "bob@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = svc.CreateOrRotate(ctx, listID, uuid.New(), "Bob@example.com")
	if !errors.Is(err, ErrAlreadyCollaborator) {
		t.Fatalf("expected ErrAlreadyCollaborator, got %v", err)
	}
}

func TestCreateOrRotate_RotatesExistingOpenRow(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()

	first, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "carol@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "carol@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !second.Reused {
		t.Error("expected the open row to be reused")
	}
	if first.Invitation.ID != second.Invitation.ID {
		t.Error("expected rotation to keep the same row id")
	}
	if first.Token == second.Token {
		t.Error("expected a fresh token on rotation")
	}

	// The old link is dead; the new one works.
	userID := uuid.New()
	res, err := svc.Consume(ctx, first.Token, userID, "carol@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ConsumeInvalid {
		t.Errorf("expected old token to be invalid, got %s", res.Status)
	}
	res, err = svc.Consume(ctx, second.Token, userID, "carol@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ConsumeAcceptedNow {
		t.Errorf("expected new token to be accepted, got %s", res.Status)
	}
}

func TestCreateOrRotate_DiscardsPendingClaimant(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()

	first, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "carol@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := svc.Consume(ctx, first.Token, uuid.New(), "dave@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ConsumePendingNow {
		t.Fatalf("expected pending approval, got %s", res.Status)
	}

	// Re-inviting rotates the row back to sent; the stale claim is dropped.
	second, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "carol@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Reused {
		t.Error("expected the pending row to be reused")
	}
	if second.Invitation.Status != models.InvitationSent {
		t.Errorf("expected status sent, got %s", second.Invitation.Status)
	}
	if second.Invitation.UserID != nil {
		t.Error("expected the pending claimant binding to be cleared")
	}
	if second.Invitation.ApprovalRequestedAt != nil {
		t.Error("expected approval metadata to be cleared")
	}
}

func TestCreateOrRotate_RateLimited(t *testing.T) {
	repo := NewMemoryInvitationRepository()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(NewMemoryRateLimitStore(clock.Now), 1, time.Hour)
	svc := NewInvitationService(repo, limiter).WithClock(clock.Now)

	ctx := context.Background()
	listID := uuid.New()
	inviterID := uuid.New()

	if _, err := svc.CreateOrRotate(ctx, listID, inviterID, "a@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := svc.CreateOrRotate(ctx, listID, inviterID, "b@example.com")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var rl *RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		t.Errorf("expected a retry-after hint, got %v", err)
	}

	// A different inviter is not affected.
	if _, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "c@example.com"); err != nil {
		t.Fatalf("unexpected error for second inviter: %v", err)
	}

	// The window rolls over.
	clock.Advance(time.Hour + time.Minute)
	if _, err := svc.CreateOrRotate(ctx, listID, inviterID, "d@example.com"); err != nil {
		t.Fatalf("unexpected error after window rollover: %v", err)
	}
}

func TestCreateOrRotate_FailsOpenOnLimiterError(t *testing.T) {
	repo := NewMemoryInvitationRepository()
	limiter := NewRateLimiter(erroringRateLimitStore{}, 1, time.Hour)
	svc := NewInvitationService(repo, limiter)

	if _, err := svc.CreateOrRotate(context.Background(), uuid.New(), uuid.New(), "a@example.com"); err != nil {
		t.Fatalf("expected a broken limiter store to fail open, got %v", err)
	}
}

func TestResend_RotatesToken(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()
	inviterID := uuid.New()

	created, err := svc.CreateOrRotate(ctx, listID, inviterID, "erin@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inv, token, err := svc.Resend(ctx, created.Invitation.ID, listID, inviterID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.ID != created.Invitation.ID {
		t.Error("expected resend to keep the row id")
	}
	if token == created.Token {
		t.Error("expected a fresh token")
	}

	userID := uuid.New()
	res, err := svc.Consume(ctx, created.Token, userID, "erin@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ConsumeInvalid {
		t.Errorf("expected the old token to be invalid, got %s", res.Status)
	}
	res, err = svc.Consume(ctx, token, userID, "erin@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ConsumeAcceptedNow {
		t.Errorf("expected the new token to work, got %s", res.Status)
	}
}

func TestResend_NotFound(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	_, _, err := svc.Resend(context.Background(), uuid.New(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrInvitationNotFound) {
		t.Fatalf("expected ErrInvitationNotFound, got %v", err)
	}
}

func TestResend_TerminalRow(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()
	inviterID := uuid.New()

	created, err := svc.CreateOrRotate(ctx, listID, inviterID, "frank@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Revoke(ctx, created.Invitation.ID, listID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, err = svc.Resend(ctx, created.Invitation.ID, listID, inviterID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()

	created, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "grace@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inv, err := svc.Revoke(ctx, created.Invitation.ID, listID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Status != models.InvitationRevoked {
		t.Errorf("expected status revoked, got %s", inv.Status)
	}
	if inv.TokenHash != nil || inv.ExpiresAt != nil {
		t.Error("expected token hash and expiry to be cleared")
	}
	if inv.RevokedAt == nil {
		t.Error("expected revokedAt to be stamped")
	}

	// The link is dead.
	res, err := svc.Consume(ctx, created.Token, uuid.New(), "grace@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ConsumeInvalid {
		t.Errorf("expected invalid after revoke, got %s", res.Status)
	}

	// Terminal rows cannot be revoked again.
	if _, err := svc.Revoke(ctx, created.Invitation.ID, listID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConsume_MatchingEmailAccepts(t *testing.T) {
	svc, _, clock := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()
	userID := uuid.New()

	created, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "heidi@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := svc.Consume(ctx, created.Token, userID, "HEIDI@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ConsumeAcceptedNow {
		t.Fatalf("expected accepted_now, got %s", res.Status)
	}

	inv := res.Invitation
	if inv.UserID == nil || *inv.UserID != userID {
		t.Error("expected the consuming user to be bound")
	}
	if inv.Status != models.InvitationAccepted {
		t.Errorf("expected status accepted, got %s", inv.Status)
	}
	if inv.AcceptedAt == nil || !inv.AcceptedAt.Equal(clock.Now()) {
		t.Errorf("expected acceptedAt now, got %v", inv.AcceptedAt)
	}
	if inv.TokenHash != nil {
		t.Error("expected token hash to be cleared on acceptance")
	}
}

func TestConsume_MismatchedEmailGoesPending(t *testing.T) {
	svc, _, clock := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()
	userID := uuid.New()

	created, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "carol@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := svc.Consume(ctx, created.Token, userID, "dave@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ConsumePendingNow {
		t.Fatalf("expected pending_approval_now, got %s", res.Status)
	}

	inv := res.Invitation
	if inv.Status != models.InvitationPendingApproval {
		t.Errorf("expected status pending_approval, got %s", inv.Status)
	}
	if inv.UserID == nil || *inv.UserID != userID {
		t.Error("expected the claimant to be bound")
	}
	if inv.ApprovalRequestedAt == nil || !inv.ApprovalRequestedAt.Equal(clock.Now()) {
		t.Errorf("expected approvalRequestedAt now, got %v", inv.ApprovalRequestedAt)
	}
	if inv.TokenHash != nil {
		t.Error("expected token hash to be cleared when the claim parks")
	}
}

func TestConsume_UnknownToken(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	res, err := svc.Consume(context.Background(), "definitely-not-a-token", uuid.New(), "x@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ConsumeInvalid {
		t.Errorf("expected invalid, got %s", res.Status)
	}
}

func TestConsume_SingleUse(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()

	created, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "ivan@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := svc.Consume(ctx, created.Token, uuid.New(), "ivan@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != ConsumeAcceptedNow {
		t.Fatalf("expected accepted_now, got %s", first.Status)
	}

	second, err := svc.Consume(ctx, created.Token, uuid.New(), "ivan@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Status != ConsumeInvalid {
		t.Errorf("expected the spent token to be invalid, got %s", second.Status)
	}
}

func TestConsume_ExpiredToken(t *testing.T) {
	svc, repo, clock := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()

	created, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "judy@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(InvitationTokenTTL + time.Hour)

	res, err := svc.Consume(ctx, created.Token, uuid.New(), "judy@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ConsumeExpired {
		t.Fatalf("expected expired, got %s", res.Status)
	}

	// The row was lazily marked.
	row, err := repo.FindByID(ctx, created.Invitation.ID, listID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.Status != models.InvitationExpired {
		t.Errorf("expected row status expired, got %s", row.Status)
	}
	if row.TokenHash != nil {
		t.Error("expected token hash to be cleared on expiry")
	}
	if row.ExpiredAt == nil {
		t.Error("expected expiredAt to be stamped")
	}

	// And the spent token is dead for good.
	res, err = svc.Consume(ctx, created.Token, uuid.New(), "judy@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != ConsumeInvalid {
		t.Errorf("expected invalid after expiry, got %s", res.Status)
	}
}

func TestConsume_ConcurrentSingleWinner(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()

	created, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "kate@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const attempts = 16
	results := make([]ConsumeStatus, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Consume(ctx, created.Token, uuid.New(), "kate@example.com")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = res.Status
		}(i)
	}
	wg.Wait()

	var winners, losers int
	for _, status := range results {
		switch status {
		case ConsumeAcceptedNow:
			winners++
		case ConsumeInvalid:
			losers++
		default:
			t.Errorf("unexpected outcome %s", status)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
	if losers != attempts-1 {
		t.Errorf("expected %d losers, got %d", attempts-1, losers)
	}
}

func TestApprovePending_RoundTrip(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()
	ownerID := uuid.New()
	claimantID := uuid.New()

	created, err := svc.CreateOrRotate(ctx, listID, ownerID, "carol@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Consume(ctx, created.Token, claimantID, "dave@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inv, err := svc.ApprovePending(ctx, created.Invitation.ID, listID, ownerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Status != models.InvitationAccepted {
		t.Errorf("expected status accepted, got %s", inv.Status)
	}
	if inv.UserID == nil || *inv.UserID != claimantID {
		t.Error("expected the claimant binding to survive approval")
	}
	if inv.ApprovedBy == nil || *inv.ApprovedBy != ownerID {
		t.Error("expected the approver to be stamped")
	}

	// Terminal now; a late reject must fail.
	if _, err := svc.RejectPending(ctx, created.Invitation.ID, listID, ownerID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRejectPending(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()
	ownerID := uuid.New()

	created, err := svc.CreateOrRotate(ctx, listID, ownerID, "carol@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Consume(ctx, created.Token, uuid.New(), "dave@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inv, err := svc.RejectPending(ctx, created.Invitation.ID, listID, ownerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Status != models.InvitationRevoked {
		t.Errorf("expected status revoked, got %s", inv.Status)
	}
	if inv.RejectedBy == nil || *inv.RejectedBy != ownerID {
		t.Error("expected the rejector to be stamped")
	}
	if inv.RejectedAt == nil {
		t.Error("expected rejectedAt to be stamped")
	}

	// The row is terminal; a late approve must fail.
	if _, err := svc.ApprovePending(ctx, created.Invitation.ID, listID, ownerID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApprovePending_RequiresPendingState(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()
	ownerID := uuid.New()

	created, err := svc.CreateOrRotate(ctx, listID, ownerID, "leo@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := svc.ApprovePending(ctx, created.Invitation.ID, listID, ownerID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for a sent row, got %v", err)
	}
}

func TestRevokeAllOpenForList(t *testing.T) {
	svc, repo, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()
	otherListID := uuid.New()

	sent, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "one@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pending, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "two@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Consume(ctx, pending.Token, uuid.New(), "stranger@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	accepted, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "three@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Consume(ctx, accepted.Token, uuid.New(), "three@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	other, err := svc.CreateOrRotate(ctx, otherListID, uuid.New(), "four@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	revoked, err := svc.RevokeAllOpenForList(ctx, listID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(revoked) != 2 {
		t.Fatalf("expected 2 revoked rows, got %d", len(revoked))
	}

	row, _ := repo.FindByID(ctx, sent.Invitation.ID, listID)
	if row.Status != models.InvitationRevoked {
		t.Errorf("expected sent row revoked, got %s", row.Status)
	}
	row, _ = repo.FindByID(ctx, accepted.Invitation.ID, listID)
	if row.Status != models.InvitationAccepted {
		t.Errorf("expected accepted row untouched, got %s", row.Status)
	}
	row, _ = repo.FindByID(ctx, other.Invitation.ID, otherListID)
	if row.Status != models.InvitationSent {
		t.Errorf("expected other list untouched, got %s", row.Status)
	}
}

func TestListByStatus(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()

	first, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "one@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "two@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Consume(ctx, second.Token, uuid.New(), "two@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sentOnly, err := svc.ListByStatus(ctx, listID, []models.InvitationStatus{models.InvitationSent})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sentOnly) != 1 || sentOnly[0].ID != first.Invitation.ID {
		t.Errorf("expected only the sent row, got %d rows", len(sentOnly))
	}

	all, err := svc.ListByStatus(ctx, listID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected all rows with empty filter, got %d", len(all))
	}
}

func TestReconcileDelivery(t *testing.T) {
	svc, _, _ := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()

	created, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "mia@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	providerID := "re_abc123"
	if _, err := svc.RecordEmailDelivery(ctx, created.Invitation.ID, models.EmailDeliverySent, &providerID, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reason := "Email bounced"
	inv, err := svc.ReconcileDelivery(ctx, providerID, models.EmailDeliveryFailed, &reason)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv == nil {
		t.Fatal("expected the row carrying the provider id")
	}
	if inv.EmailDeliveryStatus == nil || *inv.EmailDeliveryStatus != models.EmailDeliveryFailed {
		t.Error("expected delivery status failed")
	}
	if inv.EmailDeliveryError == nil || *inv.EmailDeliveryError != reason {
		t.Error("expected the failure reason to be recorded")
	}

	// Re-applying the same event converges on the same state.
	again, err := svc.ReconcileDelivery(ctx, providerID, models.EmailDeliveryFailed, &reason)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again == nil || *again.EmailDeliveryStatus != models.EmailDeliveryFailed {
		t.Error("expected idempotent reconciliation")
	}

	// Unknown provider ids are acked, not errors.
	unknown, err := svc.ReconcileDelivery(ctx, "re_nope", models.EmailDeliveryFailed, &reason)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unknown != nil {
		t.Error("expected nil row for an unknown provider id")
	}
}

func TestExpireStale(t *testing.T) {
	svc, repo, clock := newTestInvitationService()
	ctx := context.Background()
	listID := uuid.New()

	stale1, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "one@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stale2, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "two@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(InvitationTokenTTL + time.Minute)

	live, err := svc.CreateOrRotate(ctx, listID, uuid.New(), "three@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := svc.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired rows, got %d", n)
	}

	for _, id := range []uuid.UUID{stale1.Invitation.ID, stale2.Invitation.ID} {
		row, _ := repo.FindByID(ctx, id, listID)
		if row.Status != models.InvitationExpired {
			t.Errorf("expected row %s expired, got %s", id, row.Status)
		}
	}
	row, _ := repo.FindByID(ctx, live.Invitation.ID, listID)
	if row.Status != models.InvitationSent {
		t.Errorf("expected the live row untouched, got %s", row.Status)
	}
}
