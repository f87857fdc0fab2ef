package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims are the signed contents of both access and refresh tokens. The
// TokenType tag keeps refresh tokens out of endpoints that expect access
// tokens.
type Claims struct {
	jwt.RegisteredClaims
	Email      string `json:"email,omitempty"`
	Username   string `json:"username,omitempty"`
	Role       string `json:"role,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	TokenType  string `json:"token_type"`
	DeviceInfo string `json:"device_info,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
}

type Manager struct {
	secretKey []byte
	issuer    string
	audience  string
	skew      time.Duration
}

// NewManager builds an HS256 signer/verifier. skew is the clock-skew leeway
// applied to time-based claim checks; zero disables it.
func NewManager(secretKey, issuer, audience string, skew time.Duration) *Manager {
	return &Manager{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		audience:  audience,
		skew:      skew,
	}
}

// Sign fills in the registered issuer/audience/times and returns the signed
// token string alongside the generated token ID.
func (manager *Manager) Sign(claims *Claims, ttl time.Duration) (tokenString, tokenID string, err error) {
	now := time.Now()
	tokenID = uuid.NewString()

	claims.ID = tokenID
	claims.Issuer = manager.issuer
	claims.Audience = jwt.ClaimStrings{manager.audience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	tokenString, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(manager.secretKey)
	if err != nil {
		return "", "", err
	}
	return tokenString, tokenID, nil
}

// Parse verifies the signature, issuer, audience and expiry and returns the
// decoded claims.
func (manager *Manager) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, manager.keyFunc,
		jwt.WithIssuer(manager.issuer),
		jwt.WithAudience(manager.audience),
		jwt.WithLeeway(manager.skew),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenMalformed
	}
	return claims, nil
}

// ParseExpired decodes a token while still verifying the signature but
// skipping claim validation. Used when blacklisting a token at logout, where
// natural expiry must not prevent revocation.
func (manager *Manager) ParseExpired(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, manager.keyFunc,
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (manager *Manager) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return manager.secretKey, nil
}
