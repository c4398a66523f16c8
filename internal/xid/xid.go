// Package xid builds prefixed opaque identifiers, e.g. "sale-…" or
// "lmov-…". The prefix makes ids self-describing in logs and event
// payloads; uniqueness comes from the timestamp plus random suffix.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a fresh identifier with the given entity prefix.
func New(prefix string) string {
	now := time.Now().UnixNano()
	suffix, err := randomSuffix()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, now)
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now, suffix)
}

func randomSuffix() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
