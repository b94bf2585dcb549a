package domain

import "time"

// User is an account that can exchange its credentials for an API token.
// LastLoginAt is nil until the first successful login.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
