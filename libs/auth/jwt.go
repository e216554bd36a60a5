package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the access token issued by the identity provider.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates access tokens signed with HS256 (shared secret) or RS256 (public key).
type Verifier struct {
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
	leeway    time.Duration
}

type VerifierConfig struct {
	Secret       string
	PublicKeyPEM string
	Issuer       string
	Leeway       time.Duration
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	v := &Verifier{issuer: strings.TrimSpace(cfg.Issuer), leeway: cfg.Leeway}
	if cfg.Secret != "" {
		v.secret = []byte(cfg.Secret)
	}
	if pem := strings.TrimSpace(cfg.PublicKeyPEM); pem != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
		v.publicKey = key
	}
	if v.secret == nil && v.publicKey == nil {
		return nil, errors.New("jwt verifier needs a secret or a public key")
	}
	return v, nil
}

func (v *Verifier) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods()),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if v.secret == nil {
				return nil, ErrInvalidToken
			}
			return v.secret, nil
		case *jwt.SigningMethodRSA:
			if v.publicKey == nil {
				return nil, ErrInvalidToken
			}
			return v.publicKey, nil
		default:
			return nil, ErrInvalidToken
		}
	}, opts...)
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

func (v *Verifier) methods() []string {
	var m []string
	if v.secret != nil {
		m = append(m, jwt.SigningMethodHS256.Alg())
	}
	if v.publicKey != nil {
		m = append(m, jwt.SigningMethodRS256.Alg())
	}
	return m
}

// SignHS256 issues a token; used by local tooling and tests.
func SignHS256(claims Claims, secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
