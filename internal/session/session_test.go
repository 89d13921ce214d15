package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kookaburracodes/kookaburra/internal/crypto"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	codec, err := crypto.New("session-secret", "session-salt")
	require.NoError(t, err)
	return NewService(codec, 48*time.Hour)
}

func testProfile() Profile {
	return Profile{
		DisplayName: "octocat",
		Emails:      []string{"octocat@example.com"},
		RawProfile:  json.RawMessage(`{"login":"octocat","id":583231}`),
	}
}

func TestService_RoundTrip(t *testing.T) {
	svc := newTestService(t)
	cookie, expires, err := svc.Issue(testProfile())
	require.NoError(t, err)
	require.NotEmpty(t, cookie)
	require.WithinDuration(t, time.Now().Add(48*time.Hour), expires, time.Minute)

	sess := svc.Validate(cookie)
	require.NotNil(t, sess)
	require.Equal(t, "octocat", sess.DisplayName)
	require.Equal(t, []string{"octocat@example.com"}, sess.Emails)
	require.JSONEq(t, `{"login":"octocat","id":583231}`, string(sess.RawProfile))
	require.Equal(t, expires.Unix(), sess.ExpiresAt.Unix())
}

func TestService_Expired(t *testing.T) {
	svc := newTestService(t)
	cookie, _, err := svc.Issue(testProfile())
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(49 * time.Hour) }
	require.Nil(t, svc.Validate(cookie))
}

func TestService_TamperedCookie(t *testing.T) {
	svc := newTestService(t)
	cookie, _, err := svc.Issue(testProfile())
	require.NoError(t, err)

	for i := 0; i < len(cookie); i++ {
		mutated := []byte(cookie)
		mutated[i] ^= 0x01
		require.Nil(t, svc.Validate(string(mutated)), "flipped byte %d", i)
	}
}

func TestService_GarbageInput(t *testing.T) {
	svc := newTestService(t)
	require.Nil(t, svc.Validate(""))
	require.Nil(t, svc.Validate("not-a-token"))
	require.Nil(t, svc.Validate("AAAA_AAAA_AAAA"))
}
