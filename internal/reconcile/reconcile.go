// Package reconcile maps provider call identifiers onto the canonical
// conversation key shared by every record that describes the same call.
package reconcile

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrEmptyID is returned when the provider or the external id is blank.
var ErrEmptyID = errors.New("reconcile: provider and external id are required")

// namespace is fixed forever: changing it re-keys every stored call.
var namespace = uuid.MustParse("9f3c1b2e-6d4a-5e8f-a1b7-3c2d4e5f6a70")

// IsCanonical reports whether id is a 36-character hyphenated UUID.
func IsCanonical(id string) bool {
	if len(id) != 36 || id[8] != '-' || id[13] != '-' || id[18] != '-' || id[23] != '-' {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Reconcile returns externalID unchanged when it is already canonical and
// otherwise derives a UUIDv5 from "<provider>:<externalID>", so equal inputs
// always produce equal keys and provider id spaces cannot collide.
func Reconcile(provider, externalID string) (string, error) {
	provider = strings.TrimSpace(provider)
	externalID = strings.TrimSpace(externalID)
	if provider == "" || externalID == "" {
		return "", ErrEmptyID
	}
	if IsCanonical(externalID) {
		return externalID, nil
	}
	return uuid.NewSHA1(namespace, []byte(provider+":"+externalID)).String(), nil
}

// MustReconcile panics on ErrEmptyID. For tests and the CLI.
func MustReconcile(provider, externalID string) string {
	key, err := Reconcile(provider, externalID)
	if err != nil {
		panic(err)
	}
	return key
}
