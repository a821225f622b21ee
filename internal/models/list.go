package models

import (
	"time"

	"github.com/google/uuid"
)

// List is the shared resource invitations grant access to. List CRUD lives
// elsewhere; the invitation engine only needs the owner and the title.
type List struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
