package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the authenticated principal as supplied by the identity layer.
// Authentication itself happens upstream; this service only reads users.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
