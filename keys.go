package blobdvm

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ParseKey accepts a secret key as either 64 hex characters or an
// nsec1... bech32 string and returns the hex form.
func ParseKey(key string) (string, error) {
	key = strings.TrimSpace(key)

	if strings.HasPrefix(key, "nsec1") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return "", fmt.Errorf("invalid nsec key: %w", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		return value.(string), nil
	}

	if _, err := nostr.GetPublicKey(key); err != nil {
		return "", fmt.Errorf("invalid hex secret key: %w", err)
	}
	return key, nil
}
