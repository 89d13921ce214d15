package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kookaburracodes/kookaburra/internal/domain"
)

var (
	// ErrNotFound signals the row does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate signals a unique constraint violation. Callers doing
	// lookup-or-create should refetch on this.
	ErrDuplicate = errors.New("repository: duplicate")
)

// UserRepository exposes persistence for platform users.
type UserRepository interface {
	GetByUsername(ctx context.Context, username string) (domain.User, error)
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	Create(ctx context.Context, user domain.User) (domain.User, error)
	UpsertFromLogin(ctx context.Context, username string, emails []string) (domain.User, error)
}

// LLMRepository exposes persistence for deployment targets.
type LLMRepository interface {
	GetByCloneURL(ctx context.Context, cloneURL string) (domain.LLM, error)
	GetByPhoneNumber(ctx context.Context, phoneNumber string) (domain.LLM, error)
	GetForUser(ctx context.Context, id uuid.UUID, userID int64) (domain.LLM, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.LLM, error)
	Create(ctx context.Context, llm domain.LLM) (domain.LLM, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// LoginStateStore holds short-lived OAuth login state.
type LoginStateStore interface {
	SaveState(ctx context.Context, state string, ttl time.Duration) error
	ConsumeState(ctx context.Context, state string) (bool, error)
}
