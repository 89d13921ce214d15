package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
)

// TokenResponse is the result of exchanging an authorization code.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

// UserData is the GitHub identity fetched with a user access token. Emails
// contains only verified, non-noreply addresses.
type UserData struct {
	Login      string
	Emails     []string
	RawProfile json.RawMessage
}

// ProviderClient encapsulates outbound HTTP calls to GitHub's OAuth and
// user endpoints.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, code string) (*TokenResponse, error)
	FetchUser(ctx context.Context, accessToken string) (*UserData, error)
}

// GitHubClient is the default HTTP implementation.
type GitHubClient struct {
	clientID     string
	clientSecret string
	tokenURL     string
	apiBaseURL   string
	httpClient   *http.Client
}

var _ ProviderClient = (*GitHubClient)(nil)

// NewGitHubClient constructs the default ProviderClient. apiBaseURL is
// empty outside tests.
func NewGitHubClient(clientID, clientSecret, tokenURL, apiBaseURL string, client *http.Client) *GitHubClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GitHubClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		apiBaseURL:   apiBaseURL,
		httpClient:   client,
	}
}

// ExchangeCode performs the OAuth token exchange.
func (c *GitHubClient) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token exchange failed: status=%d", resp.StatusCode)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token exchange failed: empty access token")
	}
	return &token, nil
}

// FetchUser loads the authenticated user's profile and verified emails.
func (c *GitHubClient) FetchUser(ctx context.Context, accessToken string) (*UserData, error) {
	gh := github.NewClient(c.httpClient).WithAuthToken(accessToken)
	if c.apiBaseURL != "" {
		base, err := url.Parse(strings.TrimRight(c.apiBaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse api base url: %w", err)
		}
		gh.BaseURL = base
	}

	user, _, err := gh.Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}
	raw, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("marshal profile: %w", err)
	}

	var emails []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		page, resp, err := gh.Users.ListEmails(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("list emails: %w", err)
		}
		for _, e := range page {
			if keepEmail(e) {
				emails = append(emails, e.GetEmail())
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return &UserData{
		Login:      user.GetLogin(),
		Emails:     emails,
		RawProfile: raw,
	}, nil
}

func keepEmail(e *github.UserEmail) bool {
	return e.GetVerified() && !strings.HasSuffix(e.GetEmail(), "users.noreply.github.com")
}
