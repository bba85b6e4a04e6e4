// Package auth implements optional bearer-token authentication for a
// consumer's first StreamingFetch request, ported from the teacher's
// JWTManager (go-server/internal/auth) and narrowed to verification
// only — the subscription engine never issues tokens, it only checks
// ones issued elsewhere.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the consumer presenting a session token.
type Claims struct {
	ConsumerName string `json:"consumerName"`
	jwt.RegisteredClaims
}

// Verifier validates consumer session tokens against a shared secret.
// A nil *Verifier (zero secret configured) means auth is disabled; see
// VerifyOptional.
type Verifier struct {
	secretKey []byte
}

// NewVerifier returns a Verifier for the given HMAC secret. An empty
// secret disables verification (VerifyOptional always succeeds).
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secretKey: []byte(secret)}
}

// Verify validates tokenString and returns its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid session token claims")
	}
	return claims, nil
}

// VerifyOptional validates token if v is non-nil (auth configured);
// with no Verifier configured it succeeds unconditionally. Called on a
// session's FirstRequest before attaching a consumer.
func VerifyOptional(v *Verifier, token string) error {
	if v == nil {
		return nil
	}
	if token == "" {
		return errors.New("session token required")
	}
	_, err := v.Verify(token)
	return err
}
