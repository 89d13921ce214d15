package session

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/kookaburracodes/kookaburra/internal/crypto"
)

// CookieName is the single session cookie set after GitHub OAuth login.
const CookieName = "gh_token"

// Profile is the identity captured at login time.
type Profile struct {
	DisplayName string          `json:"display_name"`
	Emails      []string        `json:"emails"`
	RawProfile  json.RawMessage `json:"raw_profile"`
}

// Session is the decrypted, expiry-checked payload of the auth cookie.
type Session struct {
	Profile
	ExpiresAt time.Time
}

type payload struct {
	DisplayName string          `json:"display_name"`
	Emails      []string        `json:"emails"`
	RawProfile  json.RawMessage `json:"raw_profile"`
	ExpiresAt   int64           `json:"expires_at"`
}

// Service issues and validates the encrypted session cookie.
type Service struct {
	codec *crypto.Codec
	ttl   time.Duration
	now   func() time.Time
}

// NewService constructs the session service. The codec must be the process
// singleton; key derivation never happens here.
func NewService(codec *crypto.Codec, ttl time.Duration) *Service {
	return &Service{codec: codec, ttl: ttl, now: time.Now}
}

// Issue serializes the profile with an expiry and returns the opaque cookie
// value plus its expiry for the cookie header.
func (s *Service) Issue(profile Profile) (string, time.Time, error) {
	expires := s.now().Add(s.ttl)
	raw, err := json.Marshal(payload{
		DisplayName: profile.DisplayName,
		Emails:      profile.Emails,
		RawProfile:  profile.RawProfile,
		ExpiresAt:   expires.Unix(),
	})
	if err != nil {
		return "", time.Time{}, err
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	cookie, err := s.codec.Encrypt([]byte(encoded))
	if err != nil {
		return "", time.Time{}, err
	}
	return cookie, expires, nil
}

// Validate reverses Issue. It returns nil on any decode, decrypt, or parse
// failure and on expiry; an absent session is a normal outcome, never an
// error. Callers should clear the stored cookie when nil is returned for a
// non-empty input.
func (s *Service) Validate(cookie string) *Session {
	if cookie == "" {
		return nil
	}
	encoded, err := s.codec.Decrypt(cookie)
	if err != nil {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	expires := time.Unix(p.ExpiresAt, 0)
	if s.now().After(expires) {
		return nil
	}
	return &Session{
		Profile: Profile{
			DisplayName: p.DisplayName,
			Emails:      p.Emails,
			RawProfile:  p.RawProfile,
		},
		ExpiresAt: expires,
	}
}
