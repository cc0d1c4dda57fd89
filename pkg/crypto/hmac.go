package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HMACSHA256Hex computes the hex HMAC-SHA256 of body under secret.
// Used to sign outbound webhook deliveries so receivers can verify
// provenance.
func HMACSHA256Hex(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256Hex checks a hex HMAC in constant time.
func VerifyHMACSHA256Hex(secret, body []byte, sigHex string) bool {
	want, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// DeriveSubkey derives a purpose-bound key from the service master
// secret using HKDF-SHA256. Each purpose string yields an independent
// key, so compromising one subsystem's key does not expose another's.
func DeriveSubkey(master []byte, purpose string, size int) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("master secret must not be empty")
	}
	if purpose == "" {
		return nil, fmt.Errorf("purpose must not be empty")
	}
	r := hkdf.New(sha256.New, master, []byte("opencawt-kdf"), []byte(purpose))
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return key, nil
}
