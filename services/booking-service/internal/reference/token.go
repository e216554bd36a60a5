package reference

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidVerificationToken = errors.New("invalid verification token")

// VerificationClaims is what a QR scanner at the counter reads back.
type VerificationClaims struct {
	Ref        string `json:"ref"`
	ServiceID  string `json:"svc"`
	TimeslotID string `json:"slot"`
	jwt.RegisteredClaims
}

// Tokens encodes verification tokens. With a signing key tokens are HS256;
// without one they use the "none" algorithm and only carry data.
type Tokens struct {
	key []byte
}

func NewTokens(signingKey string) *Tokens {
	t := &Tokens{}
	if signingKey != "" {
		t.key = []byte(signingKey)
	}
	return t
}

func (t *Tokens) Signed() bool { return t.key != nil }

// NewVerificationToken is a pure function of its inputs: no timestamps or nonces.
func (t *Tokens) NewVerificationToken(ref, serviceID, timeslotID, userID string) (string, error) {
	claims := VerificationClaims{
		Ref:              ref,
		ServiceID:        serviceID,
		TimeslotID:       timeslotID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}
	if t.key == nil {
		return jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// Verify decodes a token, checking the signature when a key is configured.
func (t *Tokens) Verify(raw string) (VerificationClaims, error) {
	var claims VerificationClaims
	var (
		tok *jwt.Token
		err error
	)
	if t.key == nil {
		tok, err = jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return jwt.UnsafeAllowNoneSignatureType, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodNone.Alg()}))
	} else {
		tok, err = jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return t.key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	}
	if err != nil || !tok.Valid {
		return VerificationClaims{}, fmt.Errorf("%w: %v", ErrInvalidVerificationToken, err)
	}
	if claims.Ref == "" {
		return VerificationClaims{}, fmt.Errorf("%w: missing ref", ErrInvalidVerificationToken)
	}
	return claims, nil
}
