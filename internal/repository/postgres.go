package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kookaburracodes/kookaburra/internal/domain"
)

// Compile-time interface assertions.
var (
	_ UserRepository = (*PostgresUserRepo)(nil)
	_ LLMRepository  = (*PostgresLLMRepo)(nil)
)

const uniqueViolation = "23505"

// PostgresUserRepo implements UserRepository over pgx.
type PostgresUserRepo struct {
	pool *pgxpool.Pool
	ids  *snowflake.Node
}

func NewPostgresUserRepo(pool *pgxpool.Pool, ids *snowflake.Node) *PostgresUserRepo {
	return &PostgresUserRepo{pool: pool, ids: ids}
}

const userColumns = `id, username, emails, waitlisted, created_at, updated_at`

func (r *PostgresUserRepo) GetByUsername(ctx context.Context, username string) (domain.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return scanUser(row, "get user by username")
}

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE $1 = ANY(emails)`, email)
	return scanUser(row, "get user by email")
}

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	if user.ID == 0 {
		user.ID = r.ids.Generate().Int64()
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, username, emails, waitlisted)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+userColumns,
		user.ID, user.Username, user.Emails, user.Waitlisted)
	return scanUser(row, "create user")
}

// UpsertFromLogin records the identity seen at OAuth login. New users start
// waitlisted; existing users keep their waitlist status and get their email
// set refreshed.
func (r *PostgresUserRepo) UpsertFromLogin(ctx context.Context, username string, emails []string) (domain.User, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, username, emails, waitlisted)
		 VALUES ($1, $2, $3, TRUE)
		 ON CONFLICT (username) DO UPDATE
		 SET emails = EXCLUDED.emails, updated_at = NOW()
		 RETURNING `+userColumns,
		r.ids.Generate().Int64(), username, emails)
	return scanUser(row, "upsert user")
}

func scanUser(row pgx.Row, op string) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.Emails, &u.Waitlisted, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, mapError(err, op)
	}
	return u, nil
}

// PostgresLLMRepo implements LLMRepository over pgx.
type PostgresLLMRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresLLMRepo(pool *pgxpool.Pool) *PostgresLLMRepo {
	return &PostgresLLMRepo{pool: pool}
}

const llmColumns = `id::text, clone_url, phone_number, endpoint_url, user_id, created_at, updated_at`

func (r *PostgresLLMRepo) GetByCloneURL(ctx context.Context, cloneURL string) (domain.LLM, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+llmColumns+` FROM llms WHERE clone_url = $1`, cloneURL)
	return scanLLM(row, "get llm by clone url")
}

func (r *PostgresLLMRepo) GetByPhoneNumber(ctx context.Context, phoneNumber string) (domain.LLM, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+llmColumns+` FROM llms WHERE phone_number = $1`, phoneNumber)
	return scanLLM(row, "get llm by phone number")
}

func (r *PostgresLLMRepo) GetForUser(ctx context.Context, id uuid.UUID, userID int64) (domain.LLM, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+llmColumns+` FROM llms WHERE id = $1::uuid AND user_id = $2`,
		id.String(), userID)
	return scanLLM(row, "get llm for user")
}

func (r *PostgresLLMRepo) ListByUser(ctx context.Context, userID int64) ([]domain.LLM, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+llmColumns+` FROM llms WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list llms: %w", err)
	}
	defer rows.Close()

	var out []domain.LLM
	for rows.Next() {
		llm, err := scanLLM(rows, "list llms")
		if err != nil {
			return nil, err
		}
		out = append(out, llm)
	}
	return out, rows.Err()
}

// Create inserts the target. The clone_url and phone_number unique
// constraints surface as ErrDuplicate so concurrent first pushes can
// refetch instead of double-provisioning.
func (r *PostgresLLMRepo) Create(ctx context.Context, llm domain.LLM) (domain.LLM, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO llms (id, clone_url, phone_number, endpoint_url, user_id)
		 VALUES ($1::uuid, $2, $3, $4, $5)
		 RETURNING `+llmColumns,
		llm.ID.String(), llm.CloneURL, llm.PhoneNumber, llm.EndpointURL, llm.UserID)
	return scanLLM(row, "create llm")
}

func (r *PostgresLLMRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM llms WHERE id = $1::uuid`, id.String())
	if err != nil {
		return fmt.Errorf("delete llm: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanLLM(row pgx.Row, op string) (domain.LLM, error) {
	var (
		llm domain.LLM
		id  string
	)
	err := row.Scan(&id, &llm.CloneURL, &llm.PhoneNumber, &llm.EndpointURL, &llm.UserID, &llm.CreatedAt, &llm.UpdatedAt)
	if err != nil {
		return domain.LLM{}, mapError(err, op)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.LLM{}, fmt.Errorf("%s: parse id: %w", op, err)
	}
	llm.ID = parsed
	return llm, nil
}

func mapError(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}
