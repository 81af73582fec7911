package appctx

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/graphmesh/schemasync/internal/config"
)

// AuthModeKind names the resolved authentication mode.
type AuthModeKind string

// Resolved authentication modes.
const (
	AuthModeNoAuth      AuthModeKind = "no-auth"
	AuthModeAdminSecret AuthModeKind = "admin-secret"
	AuthModeWebhook     AuthModeKind = "webhook"
	AuthModeJWT         AuthModeKind = "jwt"
)

// AuthMode is the derived authentication configuration.
type AuthMode struct {
	Kind                AuthModeKind
	AdminSecretSet      bool
	UnauthenticatedRole string
	WebhookURL          string
	WebhookMethod       string
	JWT                 []JWTValidator
}

// JWTValidator is one validated JWT issuer configuration.
type JWTValidator struct {
	Method          jwt.SigningMethod
	Key             any
	Issuer          string
	Audience        string
	ClaimsNamespace string
}

// AuthConfigError reports an invalid authentication configuration. It is
// fatal to the whole AppContext rebuild: serving with broken auth is unsafe.
type AuthConfigError struct {
	Reason string
	Err    error
}

func (e *AuthConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid auth configuration: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid auth configuration: %s", e.Reason)
}

func (e *AuthConfigError) Unwrap() error {
	return e.Err
}

const minHMACKeyBytes = 32

// buildAuthMode resolves the authentication mode from raw auth options.
func buildAuthMode(auth *config.AuthConfig) (AuthMode, error) {
	adminSecret, err := auth.GetAdminSecret()
	if err != nil {
		return AuthMode{}, &AuthConfigError{Reason: "admin secret unreadable", Err: err}
	}
	adminSecretSet := adminSecret != ""

	if auth.Webhook != nil && len(auth.JWT) > 0 {
		return AuthMode{}, &AuthConfigError{Reason: "webhook and JWT modes cannot both be configured"}
	}

	mode := AuthMode{
		Kind:                AuthModeNoAuth,
		AdminSecretSet:      adminSecretSet,
		UnauthenticatedRole: auth.UnauthenticatedRole,
	}

	switch {
	case auth.Webhook != nil:
		if !adminSecretSet {
			return AuthMode{}, &AuthConfigError{Reason: "webhook mode requires an admin secret"}
		}
		if auth.UnauthenticatedRole != "" {
			return AuthMode{}, &AuthConfigError{Reason: "unauthenticated role cannot be used with webhook mode"}
		}
		mode.Kind = AuthModeWebhook
		mode.WebhookURL = auth.Webhook.URL
		mode.WebhookMethod = strings.ToUpper(auth.Webhook.Method)
		if mode.WebhookMethod == "" {
			mode.WebhookMethod = "GET"
		}

	case len(auth.JWT) > 0:
		if !adminSecretSet {
			return AuthMode{}, &AuthConfigError{Reason: "JWT mode requires an admin secret"}
		}
		validators := make([]JWTValidator, 0, len(auth.JWT))
		for i := range auth.JWT {
			v, err := buildJWTValidator(&auth.JWT[i])
			if err != nil {
				return AuthMode{}, err
			}
			validators = append(validators, v)
		}
		mode.Kind = AuthModeJWT
		mode.JWT = validators

	case adminSecretSet:
		mode.Kind = AuthModeAdminSecret
	}

	return mode, nil
}

// buildJWTValidator validates one JWT issuer configuration: the algorithm
// must be a registered signing method and the key material must match it.
func buildJWTValidator(cfg *config.JWTConfig) (JWTValidator, error) {
	method := jwt.GetSigningMethod(cfg.Algorithm)
	if method == nil {
		return JWTValidator{}, &AuthConfigError{
			Reason: fmt.Sprintf("unknown JWT signing algorithm %q", cfg.Algorithm),
		}
	}

	rawKey, err := cfg.GetKey()
	if err != nil {
		return JWTValidator{}, &AuthConfigError{Reason: "JWT key unreadable", Err: err}
	}
	if rawKey == "" {
		return JWTValidator{}, &AuthConfigError{
			Reason: fmt.Sprintf("empty key for JWT algorithm %q", cfg.Algorithm),
		}
	}

	key, err := parseKeyForMethod(method, rawKey)
	if err != nil {
		return JWTValidator{}, err
	}

	return JWTValidator{
		Method:          method,
		Key:             key,
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		ClaimsNamespace: cfg.ClaimsNamespace,
	}, nil
}

func parseKeyForMethod(method jwt.SigningMethod, rawKey string) (any, error) {
	switch method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(rawKey) < minHMACKeyBytes {
			return nil, &AuthConfigError{
				Reason: fmt.Sprintf("HMAC key must be at least %d bytes", minHMACKeyBytes),
			}
		}
		return []byte(rawKey), nil

	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(rawKey))
		if err != nil {
			return nil, &AuthConfigError{Reason: "invalid RSA public key", Err: err}
		}
		return key, nil

	case *jwt.SigningMethodECDSA:
		key, err := jwt.ParseECPublicKeyFromPEM([]byte(rawKey))
		if err != nil {
			return nil, &AuthConfigError{Reason: "invalid ECDSA public key", Err: err}
		}
		return key, nil

	case *jwt.SigningMethodEd25519:
		key, err := jwt.ParseEdPublicKeyFromPEM([]byte(rawKey))
		if err != nil {
			return nil, &AuthConfigError{Reason: "invalid Ed25519 public key", Err: err}
		}
		return key, nil

	default:
		return nil, &AuthConfigError{
			Reason: fmt.Sprintf("unsupported JWT signing algorithm %q", method.Alg()),
		}
	}
}
