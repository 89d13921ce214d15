package domain

import (
	"time"

	"github.com/google/uuid"
)

// LLM binds a connected repository to a stable deployment identity and a
// phone number. The ID is generated once at first successful push and names
// the deployed unit for every subsequent deploy, so redeploys update rather
// than duplicate.
type LLM struct {
	ID          uuid.UUID
	CloneURL    string
	PhoneNumber string
	EndpointURL string
	UserID      int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
