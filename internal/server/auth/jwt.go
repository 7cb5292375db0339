// Package auth signs and verifies the bearer tokens that carry a resolved
// user identity into the HTTP and gRPC transports.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/filevault/internal/common"
)

const issuer = "filevault"

// Claims carries the user id and an optional display name.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string `json:"uid"`
	DisplayName string `json:"name,omitempty"`
}

// Identity is what a verified token resolves to.
type Identity struct {
	UserID      string
	DisplayName string
}

// GenerateToken returns an HS256 token for userID valid for validity.
func GenerateToken(userID, displayName string, secretKey []byte, validity time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", common.ErrInvalidArgument)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		UserID:      userID,
		DisplayName: displayName,
	})
	return token.SignedString(secretKey)
}

// ParseToken verifies tokenString and returns the identity it carries.
func ParseToken(tokenString string, secretKey []byte) (Identity, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, common.ErrTokenExpired
		}
		return Identity{}, fmt.Errorf("%w: %w", common.ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return Identity{}, common.ErrInvalidToken
	}

	return Identity{UserID: claims.UserID, DisplayName: claims.DisplayName}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <t>" value.
// A bare token without the scheme is accepted too.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if scheme, tok, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(tok)
	}
	return header
}

// Verifier binds a secret so transports can verify tokens without holding
// the key themselves.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, common.ErrorUnauthorized
	}
	return ParseToken(token, v.secret)
}
