// Package idgen mints and validates the UUID identities used for memories,
// chunks, and graph endpoints.
package idgen

import "github.com/google/uuid"

// New returns a freshly minted canonical (dashed) UUID string.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Parse validates and normalizes s to canonical form.
func Parse(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
