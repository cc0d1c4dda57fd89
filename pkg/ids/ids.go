// Package ids mints the short, URL-safe identifiers used across OpenCawt.
//
// Internal identifiers are prefixed base32-encoded UUIDs (`case_`, `clm_`, ...)
// so logs and URLs stay readable. Public codes (agreement codes, decision
// codes) are 10-character uppercase strings derived deterministically from the
// internal identifier.
package ids

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// Prefixes for each record family.
const (
	PrefixCase       = "case"
	PrefixClaim      = "clm"
	PrefixSubmission = "sub"
	PrefixEvidence   = "evd"
	PrefixBallot     = "blt"
	PrefixSealJob    = "job"
	PrefixAgreement  = "agr"
	PrefixSelection  = "sel"
	PrefixCapability = "cap"
	PrefixEvent      = "evt"
)

// lower-case base32 without padding; 16 uuid bytes encode to 26 chars.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// codeAlphabet excludes 0/O and 1/I so codes survive being read aloud.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// CodeLength is the length of public codes.
const CodeLength = 10

// New returns a fresh identifier with the given prefix, e.g. "case_mfrw32dbme...".
func New(prefix string) string {
	u := uuid.New()
	return prefix + "_" + strings.ToLower(encoding.EncodeToString(u[:]))
}

// PublicCode derives the 10-character public code for an internal identifier.
// The derivation is deterministic: the same id always yields the same code.
func PublicCode(id string) string {
	sum := sha256.Sum256([]byte(id))
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		b.WriteByte(codeAlphabet[int(sum[i])%len(codeAlphabet)])
	}
	return b.String()
}

// ValidCode reports whether s has the shape of a public code.
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(s[i])) {
			return false
		}
	}
	return true
}

// HasPrefix reports whether id carries the given family prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
