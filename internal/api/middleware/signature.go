package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SignatureHeader carries "sha256=<hex>" over the raw query string, a
// newline, and the raw request body. Callback session parameters travel in
// the query string, so they are covered too.
const SignatureHeader = "X-Signature"

const signaturePrefix = "sha256="

// TenantKey derives a tenant's webhook signing key from the master secret.
// Rotating the master secret rotates every tenant key.
func TenantKey(master []byte, domain string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("empty webhook master secret")
	}
	kdf := hkdf.New(sha256.New, master, nil, []byte("callrouter webhook "+NormalizeDomain(domain)))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving webhook key: %w", err)
	}
	return key, nil
}

// Sign returns the signature header value for a request with the given raw
// query and body.
func Sign(key []byte, rawQuery string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(key, rawQuery, body))
}

func mac(key []byte, rawQuery string, body []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(rawQuery))
	h.Write([]byte{'\n'})
	h.Write(body)
	return h.Sum(nil)
}

// VerifySignature checks a signature header value in constant time.
func VerifySignature(key []byte, rawQuery string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), signaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(key, rawQuery, body))
}
