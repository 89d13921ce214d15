package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kookaburracodes/kookaburra/internal/adapter/oauth"
	"github.com/kookaburracodes/kookaburra/internal/config"
	"github.com/kookaburracodes/kookaburra/internal/repository"
	"github.com/kookaburracodes/kookaburra/internal/session"
)

// ErrInvalidState is returned when the OAuth state parameter is missing,
// expired, or already consumed.
var ErrInvalidState = errors.New("invalid oauth state")

const stateTTL = 10 * time.Minute

// AuthService drives the GitHub OAuth login flow and mints session cookies.
type AuthService struct {
	provider oauth.ProviderClient
	states   repository.LoginStateStore
	users    repository.UserRepository
	sessions *session.Service
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewAuthService wires dependencies.
func NewAuthService(provider oauth.ProviderClient, states repository.LoginStateStore, users repository.UserRepository, sessions *session.Service, cfg config.Config, logger *zap.Logger) *AuthService {
	return &AuthService{
		provider: provider,
		states:   states,
		users:    users,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/kookaburracodes/kookaburra/internal/service"),
	}
}

// LoginURL generates a fresh state, persists it, and returns the GitHub
// authorize URL the browser should be redirected to.
func (s *AuthService) LoginURL(ctx context.Context) (string, error) {
	ctx, span := s.startSpan(ctx, "AuthService.LoginURL")
	defer span.End()

	state := uuid.NewString()
	if err := s.states.SaveState(ctx, state, stateTTL); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("save oauth state: %w", err)
	}

	q := url.Values{}
	q.Set("client_id", s.cfg.GitHubClientID)
	q.Set("redirect_uri", s.cfg.PublicURL+"/api/v0/auth/gh")
	q.Set("scope", s.cfg.GitHubOAuthScope)
	q.Set("state", state)
	return s.cfg.GitHubOAuthEndpoint + "?" + q.Encode(), nil
}

// LoginResult carries the minted session cookie back to the handler.
type LoginResult struct {
	Cookie  string
	Expires time.Time
	Login   string
}

// HandleCallback validates the state, exchanges the code, upserts the user,
// and issues an encrypted session cookie.
func (s *AuthService) HandleCallback(ctx context.Context, code, state string) (*LoginResult, error) {
	ctx, span := s.startSpan(ctx, "AuthService.HandleCallback")
	defer span.End()

	ok, err := s.states.ConsumeState(ctx, state)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	if !ok {
		return nil, ErrInvalidState
	}

	token, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	profile, err := s.provider.FetchUser(ctx, token.AccessToken)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch github profile: %w", err)
	}

	user, err := s.users.UpsertFromLogin(ctx, profile.Login, profile.Emails)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	cookie, expires, err := s.sessions.Issue(session.Profile{
		DisplayName: profile.Login,
		Emails:      profile.Emails,
		RawProfile:  profile.RawProfile,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("issue session: %w", err)
	}

	s.audit("auth.login.success", "user_id", user.ID, "username", user.Username)
	return &LoginResult{Cookie: cookie, Expires: expires, Login: profile.Login}, nil
}

func (s *AuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *AuthService) audit(event string, attrs ...any) {
	if s.logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	s.logger.Info("audit", fields...)
}
