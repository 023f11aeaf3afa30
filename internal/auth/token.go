// Package auth verifies signed session tokens for the relay.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified subject of a session token.
type Identity struct {
	UserID string
	Email  string
}

// Claims are the session token claims issued by the account service.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Errors for token verification.
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrMissingClaims = errors.New("token missing required claims")
	ErrShortSecret   = errors.New("JWT secret must be at least 32 characters")
)

// Verifier validates session tokens against a symmetric secret. It never
// consults the database.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. The secret is loaded once at startup and
// must meet the minimum length.
func NewVerifier(secret string) (*Verifier, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify checks the token signature and expiry and returns the identity. A
// token with a valid signature but no userId or email claim is rejected.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || claims.Email == "" {
		return nil, ErrMissingClaims
	}

	return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

// SignToken mints a session token. The account service issues tokens in
// production; the relay only needs this for tests and tooling.
func SignToken(userID, email, secret string, expiresIn time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
