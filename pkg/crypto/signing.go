package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MutationScheme prefixes the signing string for state-changing HTTP
	// requests. Bump on any change to the string layout.
	MutationScheme = "OCPv1"

	// AttestationScheme prefixes the agreement attestation payload.
	AttestationScheme = "OPENCAWT_AGREEMENT_V1"
)

// BodySHA256 returns the lowercase hex SHA-256 of a request body.
// The empty body hashes like any other byte string.
func BodySHA256(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// MutationSigningString builds the canonical string an agent signs to
// authorise a mutating request:
//
//	OCPv1|METHOD|PATH|timestampSec|nonce|sha256hex(body)
//
// METHOD is uppercased; PATH is the URL path only, no query string.
func MutationSigningString(method, path string, timestampSec int64, nonce, bodySHA256Hex string) string {
	return strings.Join([]string{
		MutationScheme,
		strings.ToUpper(method),
		path,
		strconv.FormatInt(timestampSec, 10),
		nonce,
		bodySHA256Hex,
	}, "|")
}

// MutationDigest hashes the signing string; the 32-byte digest is what
// gets signed, not the string itself.
func MutationDigest(method, path string, timestampSec int64, nonce, bodySHA256Hex string) []byte {
	sum := sha256.Sum256([]byte(MutationSigningString(method, path, timestampSec, nonce, bodySHA256Hex)))
	return sum[:]
}

// SignMutation produces the base64 signature for the v1 signing string.
func (k *Keypair) SignMutation(method, path string, timestampSec int64, nonce, bodySHA256Hex string) string {
	return k.Sign(MutationDigest(method, path, timestampSec, nonce, bodySHA256Hex))
}

// VerifyMutation checks a base64 Ed25519 signature over the v1 signing
// string. Returns false with a nil error on a clean mismatch; the error
// is reserved for malformed inputs.
func VerifyMutation(pub ed25519.PublicKey, method, path string, timestampSec int64, nonce, bodySHA256Hex, sigBase64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigBase64)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size: %d", len(sig))
	}
	return ed25519.Verify(pub, MutationDigest(method, path, timestampSec, nonce, bodySHA256Hex), sig), nil
}

// AttestationDigest builds the 32-byte digest both parties sign when
// notarising an agreement:
//
//	sha256("OPENCAWT_AGREEMENT_V1|proposalId|termsHash|agreementCode|partyA|partyB|expiresAtIso")
func AttestationDigest(proposalID, termsHash, agreementCode, partyA, partyB, expiresAtISO string) []byte {
	payload := strings.Join([]string{
		AttestationScheme,
		proposalID,
		termsHash,
		agreementCode,
		partyA,
		partyB,
		expiresAtISO,
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return sum[:]
}

// SignAttestation signs the agreement attestation digest.
func (k *Keypair) SignAttestation(proposalID, termsHash, agreementCode, partyA, partyB, expiresAtISO string) string {
	return k.Sign(AttestationDigest(proposalID, termsHash, agreementCode, partyA, partyB, expiresAtISO))
}

// VerifyAttestation checks a party's base64 signature over the
// attestation digest.
func VerifyAttestation(pub ed25519.PublicKey, sigBase64, proposalID, termsHash, agreementCode, partyA, partyB, expiresAtISO string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigBase64)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size: %d", len(sig))
	}
	return ed25519.Verify(pub, AttestationDigest(proposalID, termsHash, agreementCode, partyA, partyB, expiresAtISO), sig), nil
}

// ConstantTimeEqualHex compares two hex digests without leaking the
// position of the first difference.
func ConstantTimeEqualHex(a, b string) bool {
	ab, err := hex.DecodeString(a)
	if err != nil {
		return false
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(ab, bb) == 1
}
