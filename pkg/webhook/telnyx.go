package webhook

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

const TelnyxTolerance = 5 * time.Minute

// TelnyxVerifier checks the telnyx-signature-ed25519 header, which signs
// "<telnyx-timestamp>|<raw body>" with the account's Ed25519 key.
type TelnyxVerifier struct {
	publicKey ed25519.PublicKey
	now       func() time.Time
}

// NewTelnyxVerifier parses a base64 public key. An empty key yields a nil
// verifier, which accepts everything.
func NewTelnyxVerifier(publicKeyB64 string) (*TelnyxVerifier, error) {
	if publicKeyB64 == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode telnyx public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("telnyx public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &TelnyxVerifier{publicKey: ed25519.PublicKey(raw), now: time.Now}, nil
}

func (v *TelnyxVerifier) Verify(body []byte, signatureB64, timestamp string) error {
	if v == nil {
		return nil
	}
	if signatureB64 == "" || timestamp == "" {
		return ErrMissingSignature
	}

	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	skew := v.now().Sub(time.Unix(secs, 0))
	if skew > TelnyxTolerance || skew < -TelnyxTolerance {
		return ErrStaleTimestamp
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: bad encoding", ErrInvalidSignature)
	}

	signed := make([]byte, 0, len(timestamp)+1+len(body))
	signed = append(signed, timestamp...)
	signed = append(signed, '|')
	signed = append(signed, body...)

	if !ed25519.Verify(v.publicKey, signed, sig) {
		return ErrInvalidSignature
	}
	return nil
}
