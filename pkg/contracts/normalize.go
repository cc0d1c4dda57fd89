package contracts

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText applies NFC normalisation and trims surrounding
// whitespace. All free text (titles, summaries, submission bodies,
// display names) passes through here at ingress so content hashes stay
// stable across visually identical inputs.
func NormalizeText(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// ValidText reports whether s is valid UTF-8 and free of NUL bytes.
func ValidText(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

// NonceAlphabetOK reports whether the nonce consists solely of
// alphanumerics. Length bounds are enforced separately.
func NonceAlphabetOK(nonce string) bool {
	for _, r := range nonce {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return len(nonce) > 0
}

// Nonce length bounds on the wire.
const (
	NonceMinLen = 8
	NonceMaxLen = 128
)

// ValidNonce checks alphabet and length together.
func ValidNonce(nonce string) bool {
	return len(nonce) >= NonceMinLen && len(nonce) <= NonceMaxLen && NonceAlphabetOK(nonce)
}
