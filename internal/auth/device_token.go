package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingDeviceSigningKey = errors.New("device validator: signing key required")
	ErrMissingDeviceIssuer     = errors.New("device validator: issuer required")
	ErrMissingDeviceToken      = errors.New("device validator: token required")
	ErrInvalidDeviceToken      = errors.New("device validator: invalid token")
	ErrExpiredDeviceToken      = errors.New("device validator: token expired")
	ErrMissingDeviceSubject    = errors.New("device validator: subject required")
)

// DeviceClaims mirrors the JWT payload provisioned onto client devices.
type DeviceClaims struct {
	Provider    string `json:"provider"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// DeviceTokenValidatorConfig describes how to validate device-provisioned JWTs.
type DeviceTokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// DeviceTokenValidator validates HS256 JWTs provisioned onto devices.
type DeviceTokenValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewDeviceTokenValidator constructs a validator with the provided configuration.
func NewDeviceTokenValidator(cfg DeviceTokenValidatorConfig) (*DeviceTokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingDeviceSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingDeviceIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DeviceTokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *DeviceTokenValidator) ValidateToken(tokenString string) (DeviceClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return DeviceClaims{}, ErrMissingDeviceToken
	}

	claims := &DeviceClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidDeviceToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return DeviceClaims{}, ErrExpiredDeviceToken
		}
		return DeviceClaims{}, fmt.Errorf("%w: %v", ErrInvalidDeviceToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return DeviceClaims{}, ErrInvalidDeviceToken
	}
	if claims.Issuer != v.issuer {
		return DeviceClaims{}, ErrInvalidDeviceToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return DeviceClaims{}, ErrMissingDeviceSubject
	}
	return *claims, nil
}
