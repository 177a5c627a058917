package id

import (
	"encoding/hex"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// DefaultRandomBytes is the number of random bytes behind every generated id
// (128 bits).
const DefaultRandomBytes = 16

// Length is the length of an id generated without a prefix.
const Length = DefaultRandomBytes * 2

// New generates a hex encoded random id with an optional prefix.
func New(optionalPrefix string) (string, error) {
	b, err := uuid.GenerateRandomBytes(DefaultRandomBytes)
	if err != nil {
		return "", fmt.Errorf("unable to generate id: %w", err)
	}
	id := hex.EncodeToString(b)
	switch {
	case optionalPrefix != "":
		return fmt.Sprintf("%s_%s", optionalPrefix, id), nil
	default:
		return id, nil
	}
}
