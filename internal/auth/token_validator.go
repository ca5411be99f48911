package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingToken  = errors.New("token validator: token required")
	ErrInvalidToken  = errors.New("token validator: invalid token")
	ErrExpiredToken  = errors.New("token validator: token expired")
	ErrMissingDevice = errors.New("token validator: device id required")
)

// TokenValidator validates HS256 device tokens.
type TokenValidator struct {
	config TokenConfig
}

// NewTokenValidator constructs a validator sharing the issuer's configuration.
func NewTokenValidator(cfg TokenConfig) (*TokenValidator, error) {
	resolved, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &TokenValidator{config: resolved}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *TokenValidator) ValidateToken(tokenString string) (DeviceClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return DeviceClaims{}, ErrMissingToken
	}

	claims := &DeviceClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.config.SigningSecret, nil
		},
		jwt.WithTimeFunc(v.config.Clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.config.Issuer),
		jwt.WithAudience(v.config.Audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return DeviceClaims{}, ErrExpiredToken
		}
		return DeviceClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return DeviceClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.DeviceID) == "" || claims.Subject != claims.DeviceID {
		return DeviceClaims{}, ErrMissingDevice
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (v *TokenValidator) ValidateRequest(r *http.Request) (DeviceClaims, error) {
	if r == nil {
		return DeviceClaims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return DeviceClaims{}, ErrMissingToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}
