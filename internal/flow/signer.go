package flow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Signer signs Flow request parameters with HMAC-SHA256.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for the given shared secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign computes the lowercase hex HMAC-SHA256 signature of the canonical
// parameter string. The signature key "s" is excluded from the canonical
// string even if present in params. Flow verifies the signature byte for
// byte, so the canonical form must stay exact: keys sorted bytewise, each
// key concatenated directly with its value, empty values included, no
// separators and no percent-encoding.
func (s *Signer) Sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == signatureKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha256.New, s.secret)
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params[k]))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

const signatureKey = "s"
