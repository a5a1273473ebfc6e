package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "feedsync"

var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload identifying a viewer.
type Claims struct {
	jwt.RegisteredClaims
}

// Issuer mints and verifies HS256 viewer tokens.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an issuer signing with secret.
func NewIssuer(secret string) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	return &Issuer{secret: []byte(secret), now: time.Now}, nil
}

// Issue mints a token for viewerID. A zero ttl mints a token without expiry.
func (i *Issuer) Issue(viewerID string, ttl time.Duration) (*Token, error) {
	if viewerID == "" {
		return nil, errors.New("viewer id must not be empty")
	}
	now := i.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   viewerID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{AccessToken: signed, TokenType: "Bearer", ViewerID: viewerID, ExpiresAt: expiresAt}, nil
}

// Verify checks the signature and validity window and returns the viewer id.
func (i *Issuer) Verify(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(i.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// ViewerFromToken reads the viewer id from a token without verifying its
// signature. Clients use it to learn who they are; servers must use Verify.
func ViewerFromToken(raw string) (string, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
