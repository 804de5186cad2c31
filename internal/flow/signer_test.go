package flow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

// expectedSignature computes the HMAC independently over an explicit
// canonical string so the test does not mirror the implementation.
func expectedSignature(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSign_SortsKeysAndConcatenatesRaw(t *testing.T) {
	s := NewSigner("topsecret")

	got := s.Sign(map[string]string{
		"commerceOrder": "TH-7-1",
		"apiKey":        "key123",
		"amount":        "1500",
	})

	// Keys sorted lexicographically, key immediately followed by value,
	// no separators, no encoding.
	want := expectedSignature("topsecret", "amount1500apiKeykey123commerceOrderTH-7-1")
	if got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
}

func TestSign_NoPercentEncoding(t *testing.T) {
	s := NewSigner("topsecret")

	// Values with URL-reserved characters go into the canonical string as-is.
	got := s.Sign(map[string]string{
		"urlReturn": "https://shop.example/flow/return?x=1&y=2",
		"subject":   "Compra TandeHouse TH-1",
	})

	want := expectedSignature("topsecret",
		"subjectCompra TandeHouse TH-1urlReturnhttps://shop.example/flow/return?x=1&y=2")
	if got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
}

func TestSign_ExcludesSignatureKey(t *testing.T) {
	s := NewSigner("topsecret")

	withS := s.Sign(map[string]string{"apiKey": "k", "s": "bogus"})
	withoutS := s.Sign(map[string]string{"apiKey": "k"})

	if withS != withoutS {
		t.Error("a pre-existing s parameter must not affect the signature")
	}
}

func TestSign_Deterministic(t *testing.T) {
	s := NewSigner("topsecret")
	params := map[string]string{"apiKey": "k", "token": "tok123", "amount": "9"}

	first := s.Sign(params)
	for i := 0; i < 10; i++ {
		if got := s.Sign(params); got != first {
			t.Fatalf("Sign() not deterministic: %s != %s", got, first)
		}
	}
}

func TestSign_EmptyValueStillSigned(t *testing.T) {
	s := NewSigner("topsecret")

	got := s.Sign(map[string]string{"apiKey": "k", "email": ""})
	want := expectedSignature("topsecret", "apiKeykemail")
	if got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
}

func TestSign_DifferentSecretsDiffer(t *testing.T) {
	params := map[string]string{"apiKey": "k"}

	a := NewSigner("secret-a").Sign(params)
	b := NewSigner("secret-b").Sign(params)
	if a == b {
		t.Error("different secrets produced the same signature")
	}
}
