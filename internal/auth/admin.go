package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminClaims are the claims carried by admin service tokens used on the
// consumer-management endpoints.
type AdminClaims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
}

// AdminTokenManager signs and validates short-lived admin tokens (HS256).
// The shared secret comes from config; admin endpoints are disabled when it
// is empty.
type AdminTokenManager struct {
	secret     []byte
	expiration time.Duration
}

// NewAdminTokenManager creates a manager for the given shared secret.
func NewAdminTokenManager(secret string, expiration time.Duration) *AdminTokenManager {
	if expiration <= 0 {
		expiration = time.Hour
	}
	return &AdminTokenManager{secret: []byte(secret), expiration: expiration}
}

// Enabled reports whether admin authentication is configured.
func (m *AdminTokenManager) Enabled() bool {
	return len(m.secret) > 0
}

// IssueToken creates a signed admin token for an operator.
func (m *AdminTokenManager) IssueToken(operator string) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "checkmate",
			Audience:  jwt.ClaimStrings{"checkmate-admin"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
		},
		Operator: operator,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign admin token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates an admin token, returning the claims.
func (m *AdminTokenManager) ValidateToken(tokenStr string) (*AdminClaims, error) {
	if !m.Enabled() {
		return nil, fmt.Errorf("auth: admin auth not configured")
	}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&AdminClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience("checkmate-admin"),
		jwt.WithIssuer("checkmate"),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate admin token: %w", err)
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid admin token claims")
	}
	return claims, nil
}
