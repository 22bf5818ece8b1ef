package assets

import (
	"crypto/sha256"
	"encoding/base64"
)

// HashLen is the length of an encoded hash: padded base64url of 32 bytes.
const HashLen = 44

// Hash returns the content address of data: padded base64url of SHA-256.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.URLEncoding.EncodeToString(sum[:])
}

// ValidHash reports whether s could have been produced by Hash.
func ValidHash(s string) bool {
	if len(s) != HashLen {
		return false
	}
	b, err := base64.URLEncoding.Strict().DecodeString(s)
	return err == nil && len(b) == sha256.Size
}
