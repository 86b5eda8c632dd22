// Package auth implements the authentication and session core: argon2id
// password hashing, opaque session tokens (hash-only at rest), login lockout,
// refresh rotation, and reset/verification token lifecycle.
package auth

import "time"

// Role is the coarse authorization role attached to a user.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleLabManager Role = "lab_manager"
	RoleTechnician Role = "technician"
	RoleViewer     Role = "viewer"
)

// UserStatus is the account lifecycle state.
type UserStatus string

const (
	StatusActive              UserStatus = "Active"
	StatusInactive            UserStatus = "Inactive"
	StatusLocked              UserStatus = "Locked"
	StatusPendingVerification UserStatus = "PendingVerification"
)

// User is an account row. Email is stored lower-cased and is unique.
type User struct {
	ID                  string
	Email               string
	PasswordHash        string
	Role                Role
	Status              UserStatus
	FailedLoginAttempts int
	LockedUntil         *time.Time
	EmailVerified       bool
	LastLogin           *time.Time
	PasswordChangedAt   time.Time
	Profile             map[string]interface{}
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Session is a bearer session. Only token hashes are persisted; the raw
// token leaves the process exactly once, in the login/refresh response.
type Session struct {
	ID               string
	UserID           string
	TokenHash        string
	RefreshTokenHash string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	LastUsedAt       time.Time
	RevokedAt        *time.Time
}

// Revoked reports whether the session has been revoked.
func (s *Session) Revoked() bool { return s.RevokedAt != nil }

// OneTimeToken backs both password-reset and email-verification tokens.
type OneTimeToken struct {
	ID        string
	UserID    string
	TokenHash string
	Purpose   TokenPurpose
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// TokenPurpose discriminates reset vs verification tokens.
type TokenPurpose string

const (
	PurposeReset        TokenPurpose = "reset"
	PurposeVerification TokenPurpose = "verification"
)

// Claims is what ValidateToken returns to callers.
type Claims struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Credentials is the issued token pair handed back on login and refresh.
type Credentials struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}
