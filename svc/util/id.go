package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
)

const idBytes = 8

// NewID returns 16 lowercase hex characters from 8 random bytes.
func NewID() (string, error) {
	return RandomHex(idBytes)
}

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return hex.EncodeToString(buf), nil
}
