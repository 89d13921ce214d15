package githubapp

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"
)

// StatusState is a commit status reported back to GitHub.
type StatusState string

const (
	StatusPending StatusState = "pending"
	StatusSuccess StatusState = "success"
	StatusFailure StatusState = "failure"
)

// statusContext names this system in the GitHub commit status UI.
const statusContext = "kookaburra"

// appJWTLifetime is the exact App JWT validity window. GitHub rejects
// anything over ten minutes.
const appJWTLifetime = 600 * time.Second

// ErrInstallationNotFound signals that the repository owner has not
// installed the App. Non-retryable; the user must install the App.
var ErrInstallationNotFound = errors.New("githubapp: installation not found")

// InstallationCredential is a short-lived token scoped to one App
// installation. It is minted per operation chain and never persisted.
type InstallationCredential struct {
	InstallationID int64
	Token          string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// Issuer signs App JWTs and exchanges them for installation tokens.
type Issuer struct {
	appID      string
	signer     gojose.Signer
	httpClient *http.Client
	apiBaseURL string
	targetURL  string
	logger     *zap.Logger
	now        func() time.Time
}

// Options tune an Issuer beyond its required credentials.
type Options struct {
	// APIBaseURL overrides the GitHub API base, e.g. for tests or GHE.
	APIBaseURL string
	// TargetURL is reported as the commit status target.
	TargetURL string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// NewIssuer loads the App private key from privateKeyPath and prepares the
// RS256 signer once for the process lifetime.
func NewIssuer(appID, privateKeyPath string, opts Options, logger *zap.Logger) (*Issuer, error) {
	pemBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := parseRSAPrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.RS256, Key: key},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("new signer: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Issuer{
		appID:      appID,
		signer:     signer,
		httpClient: httpClient,
		apiBaseURL: opts.APIBaseURL,
		targetURL:  opts.TargetURL,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// MintAppJWT signs a JWT asserting the App identity. Its lifetime is
// deliberately short; callers mint a fresh one per operation chain.
func (i *Issuer) MintAppJWT() (string, error) {
	now := i.now().UTC()
	claims := gojwt.Claims{
		Issuer:   i.appID,
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	token, err := gojwt.Signed(i.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize app jwt: %w", err)
	}
	return token, nil
}

// ResolveInstallationID finds the App installation whose account owns the
// repository. ErrInstallationNotFound is the expected outcome when the
// owner has not installed the App.
func (i *Issuer) ResolveInstallationID(ctx context.Context, repoFullName, appJWT string) (int64, error) {
	owner, _, err := splitFullName(repoFullName)
	if err != nil {
		return 0, err
	}
	gh := i.client(appJWT)
	opts := &github.ListOptions{PerPage: 100}
	for {
		installations, resp, err := gh.Apps.ListInstallations(ctx, opts)
		if err != nil {
			return 0, fmt.Errorf("list installations: %w", err)
		}
		for _, inst := range installations {
			if strings.EqualFold(inst.GetAccount().GetLogin(), owner) {
				return inst.GetID(), nil
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return 0, fmt.Errorf("%w: %s", ErrInstallationNotFound, repoFullName)
}

// MintInstallationToken exchanges the App JWT for an installation token.
func (i *Issuer) MintInstallationToken(ctx context.Context, installationID int64, appJWT string) (InstallationCredential, error) {
	gh := i.client(appJWT)
	token, _, err := gh.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return InstallationCredential{}, fmt.Errorf("create installation token: %w", err)
	}
	return InstallationCredential{
		InstallationID: installationID,
		Token:          token.GetToken(),
		IssuedAt:       i.now().UTC(),
		ExpiresAt:      token.GetExpiresAt().Time,
	}, nil
}

// Credential runs the full chain: mint App JWT, resolve the installation,
// exchange for an installation token. The credential is owned by the caller
// and discarded at the end of its operation chain.
func (i *Issuer) Credential(ctx context.Context, repoFullName string) (InstallationCredential, error) {
	appJWT, err := i.MintAppJWT()
	if err != nil {
		return InstallationCredential{}, err
	}
	installationID, err := i.ResolveInstallationID(ctx, repoFullName, appJWT)
	if err != nil {
		return InstallationCredential{}, err
	}
	return i.MintInstallationToken(ctx, installationID, appJWT)
}

// PostCommitStatus reports pipeline progress on a commit. Transient
// failures are retried with backoff; callers treat the call as best-effort.
func (i *Issuer) PostCommitStatus(ctx context.Context, repoFullName, sha string, state StatusState, description, installationToken string) error {
	owner, repo, err := splitFullName(repoFullName)
	if err != nil {
		return err
	}
	gh := i.client(installationToken)
	status := &github.RepoStatus{
		State:       github.String(string(state)),
		TargetURL:   github.String(i.targetURL),
		Description: github.String(description),
		Context:     github.String(statusContext),
	}
	err = withRetry(ctx, func() error {
		_, _, err := gh.Repositories.CreateStatus(ctx, owner, repo, sha, status)
		return err
	})
	if err != nil {
		return fmt.Errorf("create status: %w", err)
	}
	return nil
}

func (i *Issuer) client(token string) *github.Client {
	gh := github.NewClient(i.httpClient).WithAuthToken(token)
	if i.apiBaseURL != "" {
		base, err := url.Parse(strings.TrimRight(i.apiBaseURL, "/") + "/")
		if err == nil {
			gh.BaseURL = base
		} else if i.logger != nil {
			i.logger.Warn("invalid github api base url", zap.Error(err))
		}
	}
	return gh
}

const (
	retryAttempts       = 3
	retryInitialBackoff = 200 * time.Millisecond
)

func withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := retryInitialBackoff
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if lastErr = operation(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func splitFullName(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed repository name %q", fullName)
	}
	return parts[0], parts[1], nil
}
