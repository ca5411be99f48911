// Package auth issues and validates the bearer tokens devices present to the hub.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 90 * 24 * time.Hour
	// DefaultIssuer and DefaultAudience bind tokens to the hub.
	DefaultIssuer   = "fieldsync-hub"
	DefaultAudience = "fieldsync-devices"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingDeviceID      = errors.New("device id must be provided")
)

// DeviceClaims is the JWT payload carried by device tokens.
type DeviceClaims struct {
	DeviceID  string `json:"device_id"`
	AgentName string `json:"agent_name,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig configures device token issuance and validation.
type TokenConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

func (cfg TokenConfig) withDefaults() (TokenConfig, error) {
	if len(cfg.SigningSecret) == 0 {
		return TokenConfig{}, errMissingSigningSecret
	}
	resolved := TokenConfig{
		SigningSecret: append([]byte(nil), cfg.SigningSecret...),
		Issuer:        strings.TrimSpace(cfg.Issuer),
		Audience:      strings.TrimSpace(cfg.Audience),
		TokenTTL:      cfg.TokenTTL,
		Clock:         cfg.Clock,
	}
	if resolved.Issuer == "" {
		resolved.Issuer = DefaultIssuer
	}
	if resolved.Audience == "" {
		resolved.Audience = DefaultAudience
	}
	if resolved.TokenTTL <= 0 {
		resolved.TokenTTL = defaultTokenTTL
	}
	if resolved.Clock == nil {
		resolved.Clock = time.Now
	}
	return resolved, nil
}

// TokenIssuer signs HS256 device tokens.
type TokenIssuer struct {
	config TokenConfig
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	resolved, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &TokenIssuer{config: resolved}, nil
}

// IssueDeviceToken produces a signed JWT and its expiry (seconds) for a device.
func (i *TokenIssuer) IssueDeviceToken(_ context.Context, deviceID, agentName string) (string, int64, error) {
	device := strings.TrimSpace(deviceID)
	if device == "" {
		return "", 0, errMissingDeviceID
	}

	now := i.config.Clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := DeviceClaims{
		DeviceID:  device,
		AgentName: strings.TrimSpace(agentName),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   device,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}
