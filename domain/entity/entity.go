package entity

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser    Role = "user"
	RolePremium Role = "premium"
	RoleAdmin   Role = "admin"
)

// User represents an identity record. PasswordHash may be empty for
// passkey-only accounts.
type User struct {
	ID               uuid.UUID  `json:"id"`
	Email            string     `json:"email"`
	Username         string     `json:"username"`
	PasswordHash     string     `json:"-"`
	Role             Role       `json:"role"`
	IsLocked         bool       `json:"is_locked"`
	LockedUntil      *time.Time `json:"locked_until,omitempty"`
	FailedLoginCount int        `json:"failed_login_count"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// HasPassword reports whether the account can authenticate with credentials
// at all, as opposed to being passkey-only.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Session binds a login event to a user and device. Only the SHA-256 hash of
// the session token is ever stored.
type Session struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	TokenHash     string    `json:"-"`
	CSRFTokenHash string    `json:"-"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	DeviceInfo    string    `json:"device_info"`
	Active        bool      `json:"active"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RefreshToken is the persisted half of a refresh credential. Rotation
// revokes rows rather than deleting them.
type RefreshToken struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	TokenHash  string    `json:"-"`
	DeviceInfo string    `json:"device_info"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	Revoked    bool      `json:"revoked"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// BlacklistedToken records an explicitly revoked access token. Rows are
// pruned once the token would have expired on its own.
type BlacklistedToken struct {
	TokenID   string     `json:"token_id"`
	TokenHash string     `json:"-"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Reason    string     `json:"reason"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// LoginAttempt is an append-only audit row. It drives rate-limit window
// counts and lockout escalation and is never updated.
type LoginAttempt struct {
	ID         uuid.UUID  `json:"id"`
	Identifier string     `json:"identifier"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	Success    bool       `json:"success"`
	FailReason string     `json:"fail_reason,omitempty"`
	IPAddress  string     `json:"ip_address"`
	UserAgent  string     `json:"user_agent"`
	CreatedAt  time.Time  `json:"created_at"`
}

// WebAuthnCredential stores the public half of a registered passkey plus the
// authenticator's signature counter.
type WebAuthnCredential struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	CredentialID    []byte     `json:"credential_id"`
	PublicKey       []byte     `json:"-"`
	AttestationType string     `json:"attestation_type"`
	Transports      []string   `json:"transports"`
	SignCount       uint32     `json:"sign_count"`
	DeviceType      string     `json:"device_type"`
	BackupEligible  bool       `json:"backup_eligible"`
	BackupState     bool       `json:"backup_state"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// IPReputation is a decaying 0-100 trust measure per IP. Created lazily on
// first observation; a blacklisted entry is a standing deny independent of
// any rate-limit window.
type IPReputation struct {
	Score          int        `json:"score"`
	ViolationCount int        `json:"violation_count"`
	Whitelisted    bool       `json:"whitelisted"`
	Blacklisted    bool       `json:"blacklisted"`
	LastViolation  *time.Time `json:"last_violation,omitempty"`
	LastSeen       time.Time  `json:"last_seen"`
}
