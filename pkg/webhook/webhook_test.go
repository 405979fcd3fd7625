package webhook

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestVerifyVapiSecret(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		header  string
		wantErr error
	}{
		{"disabled", "", "", nil},
		{"match", "s3cret", "s3cret", nil},
		{"missing", "s3cret", "", ErrMissingSignature},
		{"mismatch", "s3cret", "other", ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := VerifyVapiSecret(tt.secret, tt.header); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTelnyxVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewTelnyxVerifier(base64.StdEncoding.EncodeToString(pub))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return now }

	body := []byte(`{"data":{"event_type":"call.hangup"}}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, append([]byte(ts+"|"), body...)))

	if err := v.Verify(body, sig, ts); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := v.Verify([]byte(`{"tampered":true}`), sig, ts); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	old := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	if err := v.Verify(body, sig, old); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
	if err := v.Verify(body, "", ts); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestTelnyxVerifier_NilAcceptsAll(t *testing.T) {
	v, err := NewTelnyxVerifier("")
	if err != nil || v != nil {
		t.Fatalf("expected nil verifier, got %v %v", v, err)
	}
	if err := v.Verify([]byte("x"), "", ""); err != nil {
		t.Fatalf("nil verifier must accept: %v", err)
	}
}
