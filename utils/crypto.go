package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// RandomReader is the entropy source for nonce values. Tests may replace it.
var RandomReader io.Reader = rand.Reader

// GenerateNonceValue returns NonceLength lowercase hex characters drawn from RandomReader.
func GenerateNonceValue() (string, error) {
	b := make([]byte, NonceLength/2)
	if _, err := io.ReadFull(RandomReader, b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
