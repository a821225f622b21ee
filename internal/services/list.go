package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidylists/listshare/internal/models"
)

var ErrListNotFound = errors.New("list not found")

// ListService covers the small slice of list data the invitation flow
// needs: ownership checks and titles for email rendering.
type ListService struct {
	db *pgxpool.Pool
}

func NewListService(db *pgxpool.Pool) *ListService {
	return &ListService{db: db}
}

func (s *ListService) GetByID(ctx context.Context, id uuid.UUID) (*models.List, error) {
	list := &models.List{}
	err := s.db.QueryRow(ctx,
		`SELECT id, owner_id, title, created_at, updated_at
		 FROM lists WHERE id = $1`,
		id,
	).Scan(&list.ID, &list.OwnerID, &list.Title, &list.CreatedAt, &list.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrListNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting list by id: %w", err)
	}

	return list, nil
}

// IsOwner reports whether userID owns the list. A missing list reads as
// not-owner so handlers return the same response for both cases.
func (s *ListService) IsOwner(ctx context.Context, listID, userID uuid.UUID) (bool, error) {
	var ownerID uuid.UUID
	err := s.db.QueryRow(ctx,
		`SELECT owner_id FROM lists WHERE id = $1`,
		listID,
	).Scan(&ownerID)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking list ownership: %w", err)
	}

	return ownerID == userID, nil
}
