package webhook

import (
	"crypto/subtle"
	"errors"
)

var (
	ErrMissingSignature = errors.New("signature header missing")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
)

// VerifyVapiSecret compares the X-Vapi-Secret header against the configured
// secret. An empty secret disables the check (local development).
func VerifyVapiSecret(secret, header string) error {
	if secret == "" {
		return nil
	}
	if header == "" {
		return ErrMissingSignature
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(header)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
