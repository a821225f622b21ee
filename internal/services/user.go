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

var ErrUserNotFound = errors.New("user not found")

// UserService reads and upserts user rows. Identity lives in the upstream
// gateway; rows here exist to carry display names and to satisfy foreign
// keys on invitations.
type UserService struct {
	db *pgxpool.Pool
}

func NewUserService(db *pgxpool.Pool) *UserService {
	return &UserService{db: db}
}

func (s *UserService) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user := &models.User{}
	err := s.db.QueryRow(ctx,
		`SELECT id, email, display_name, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt, &user.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by id: %w", err)
	}

	return user, nil
}

// Ensure upserts the row for an authenticated principal so invitations can
// reference it. The gateway is authoritative for the email, so a changed
// address overwrites the stored one.
func (s *UserService) Ensure(ctx context.Context, id uuid.UUID, email string) (*models.User, error) {
	user := &models.User{}
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (id, email, display_name)
		 VALUES ($1, $2, split_part($2, '@', 1))
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, updated_at = now()
		 RETURNING id, email, display_name, created_at, updated_at`,
		id, NormalizeEmail(email),
	).Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("ensuring user: %w", err)
	}

	return user, nil
}
