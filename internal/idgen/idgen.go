// Package idgen generates commerce orders and random request IDs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// CommerceOrder builds a merchant-side order key for a user.
// Format: TH-<userID>-<unix millis><4 hex chars>. The random suffix keeps two
// checkouts from the same user within one millisecond apart; global uniqueness
// is still enforced by the payment store, not here.
func CommerceOrder(userID int64) string {
	return fmt.Sprintf("TH-%d-%d%s", userID, time.Now().UnixMilli(), Hex(2))
}

// WithPrefix generates a random ID with a prefix (e.g. "req_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
