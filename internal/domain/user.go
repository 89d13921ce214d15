package domain

import "time"

// User represents a GitHub user known to the platform. Users are created
// from verified OAuth emails and start out waitlisted.
type User struct {
	ID         int64
	Username   string
	Emails     []string
	Waitlisted bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
