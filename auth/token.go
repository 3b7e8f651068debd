// Package auth verifies the callers of the HTTP surface. Parties arrive with
// HS256 tokens minted by the identity provider; the payment provider proves
// itself with a shared secret checked against a bcrypt hash.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleRequester Role = "requester"
	RoleAgent     Role = "agent"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleRequester, RoleAgent, RoleAdmin:
		return true
	}
	return false
}

var (
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrInvalidSecret = errors.New("auth: invalid callback secret")
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   Role
}

// TokenVerifier checks and mints HS256 tokens carrying user_id and role.
type TokenVerifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    24 * time.Hour,
		now:    time.Now,
	}
}

func (v *TokenVerifier) WithClock(now func() time.Time) *TokenVerifier {
	if now != nil {
		v.now = now
	}
	return v
}

// Verify validates the token and returns its principal.
func (v *TokenVerifier) Verify(tokenString string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return Principal{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, _ := claims["role"].(string)
	role := Role(roleStr)
	if !role.Valid() {
		return Principal{}, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	return Principal{UserID: userID, Role: role}, nil
}

// IssueToken mints a token for local tooling and tests. Production tokens
// come from the identity provider.
func (v *TokenVerifier) IssueToken(p Principal) (string, error) {
	if p.UserID == "" || !p.Role.Valid() {
		return "", fmt.Errorf("auth: cannot issue token for %q/%q", p.UserID, p.Role)
	}
	now := v.now()
	claims := jwt.MapClaims{
		"user_id": p.UserID,
		"role":    string(p.Role),
		"iat":     now.Unix(),
		"exp":     now.Add(v.ttl).Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
