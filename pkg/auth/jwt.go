package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mkarsa/wa-dispatch-gateway/pkg/env"
)

// JWTSecretKey for signing API access tokens
// REQUIRED in production: Require() is called at boot and fails fast
var JWTSecretKey string

func init() {
	JWTSecretKey, _ = env.GetEnvString("JWT_SECRET_KEY")
}

// Require verifies the mandatory secrets are configured. Token issuing and
// validation also fail without them, but failing at boot beats failing on
// the first request.
func Require() error {
	if JWTSecretKey == "" {
		return errors.New("JWT_SECRET_KEY is not configured")
	}
	if AdminSecretKey == "" {
		return errors.New("ADMIN_SECRET_KEY is not configured")
	}
	return nil
}

// AccessTokenClaims represents the claims in an API access token.
// A token may be bound to a single session key or be fleet-wide (empty key).
type AccessTokenClaims struct {
	SessionKey string `json:"session_key,omitempty"`
	TokenName  string `json:"token_name,omitempty"`
	jwt.RegisteredClaims
}

// GenerateAccessToken creates a long-lived JWT for an API caller
func GenerateAccessToken(tokenName string, sessionKey string) (string, error) {
	if JWTSecretKey == "" {
		return "", errors.New("JWT_SECRET_KEY not configured")
	}

	claims := AccessTokenClaims{
		SessionKey: sessionKey,
		TokenName:  tokenName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tokenName,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(JWTSecretKey))
}

// ValidateAccessToken validates an API access token and returns the claims
func ValidateAccessToken(tokenString string) (*AccessTokenClaims, error) {
	if JWTSecretKey == "" {
		return nil, errors.New("JWT_SECRET_KEY not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &AccessTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(JWTSecretKey), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*AccessTokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}
