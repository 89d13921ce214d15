package githubapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	path := filepath.Join(t.TempDir(), "app.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path, key
}

func newTestIssuer(t *testing.T, apiBaseURL string) *Issuer {
	t.Helper()
	keyPath, _ := writeTestKey(t)
	issuer, err := NewIssuer("12345", keyPath, Options{
		APIBaseURL: apiBaseURL,
		TargetURL:  "https://kookaburra.codes",
	}, zap.NewNop())
	require.NoError(t, err)
	return issuer
}

func TestMintAppJWT_Claims(t *testing.T) {
	keyPath, key := writeTestKey(t)
	issuer, err := NewIssuer("12345", keyPath, Options{}, zap.NewNop())
	require.NoError(t, err)

	token, err := issuer.MintAppJWT()
	require.NoError(t, err)

	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.RS256})
	require.NoError(t, err)
	var claims gojwt.Claims
	require.NoError(t, parsed.Claims(&key.PublicKey, &claims))

	require.Equal(t, "12345", claims.Issuer)
	require.Equal(t, int64(600), int64(claims.Expiry.Time().Sub(claims.IssuedAt.Time())/time.Second))
}

func TestMintAppJWT_FreshPerCall(t *testing.T) {
	keyPath, _ := writeTestKey(t)
	issuer, err := NewIssuer("12345", keyPath, Options{}, zap.NewNop())
	require.NoError(t, err)

	issued := time.Unix(1700000000, 0)
	issuer.now = func() time.Time { return issued }
	a, err := issuer.MintAppJWT()
	require.NoError(t, err)
	issuer.now = func() time.Time { return issued.Add(time.Minute) }
	b, err := issuer.MintAppJWT()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestResolveInstallationID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/app/installations", func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("Authorization"), "Bearer ")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": 11, "account": map[string]any{"login": "someoneelse"}},
			{"id": 42, "account": map[string]any{"login": "OctoCat"}},
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	issuer := newTestIssuer(t, ts.URL)
	id, err := issuer.ResolveInstallationID(context.Background(), "octocat/hello-world", "jwt")
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
}

func TestResolveInstallationID_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/app/installations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	issuer := newTestIssuer(t, ts.URL)
	_, err := issuer.ResolveInstallationID(context.Background(), "octocat/hello-world", "jwt")
	require.ErrorIs(t, err, ErrInstallationNotFound)
}

func TestMintInstallationToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/app/installations/42/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"ghs_testtoken","expires_at":"2030-01-01T00:00:00Z"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	issuer := newTestIssuer(t, ts.URL)
	cred, err := issuer.MintInstallationToken(context.Background(), 42, "jwt")
	require.NoError(t, err)
	require.Equal(t, "ghs_testtoken", cred.Token)
	require.Equal(t, int64(42), cred.InstallationID)
	require.Equal(t, 2030, cred.ExpiresAt.Year())
}

func TestPostCommitStatus(t *testing.T) {
	var got map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octocat/hello-world/statuses/abc123", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	issuer := newTestIssuer(t, ts.URL)
	err := issuer.PostCommitStatus(context.Background(), "octocat/hello-world", "abc123", StatusPending, "Deploying...", "ghs_token")
	require.NoError(t, err)
	require.Equal(t, "pending", got["state"])
	require.Equal(t, "Deploying...", got["description"])
	require.Equal(t, "kookaburra", got["context"])
	require.Equal(t, "https://kookaburra.codes", got["target_url"])
}

func TestPostCommitStatus_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octocat/hello-world/statuses/abc123", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	issuer := newTestIssuer(t, ts.URL)
	err := issuer.PostCommitStatus(context.Background(), "octocat/hello-world", "abc123", StatusSuccess, "Deployed!", "ghs_token")
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestSplitFullName(t *testing.T) {
	owner, repo, err := splitFullName("octocat/hello-world")
	require.NoError(t, err)
	require.Equal(t, "octocat", owner)
	require.Equal(t, "hello-world", repo)

	for _, bad := range []string{"", "octocat", "/repo", "owner/"} {
		_, _, err := splitFullName(bad)
		require.Error(t, err, bad)
	}
}
