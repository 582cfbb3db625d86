package agents

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent returns the hex sha256 of content. Absent content hashes to "".
func HashContent(content []byte) string {
	if content == nil {
		return ""
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
