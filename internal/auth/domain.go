package auth

import "time"

// User represents an authenticated account. The ID doubles as the principal
// ID used by the policy engine.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsActive     bool
	Roles        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
