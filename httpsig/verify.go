package httpsig

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	gofedhttpsig "github.com/go-fed/httpsig"
)

// AllowedClockSkew is the maximum permitted difference between a signed
// request's Date header and the verifier's current time. It is only
// enforced when compat mode is off.
const AllowedClockSkew = 10 * time.Second

// VerificationError distinguishes which failure mode occurred, so callers
// (the inbound receiver in particular) can map it to the right HTTP
// status and log field without string-matching.
type VerificationError struct {
	Kind string // "missing_header" | "clock_skew" | "signature_invalid"
	Err  error
}

func (e *VerificationError) Error() string { return e.Err.Error() }
func (e *VerificationError) Unwrap() error { return e.Err }

func missingHeader(name string) error {
	return &VerificationError{Kind: "missing_header", Err: fmt.Errorf("httpsig: missing %s header", name)}
}

// VerifyRequest verifies an inbound request's HTTP signature against
// pubKey. body must be the exact bytes already consumed from req.Body
// (the caller is responsible for restoring req.Body if it needs to be
// read again downstream).
//
// It fails with a *VerificationError of kind "missing_header" if the
// Signature header is absent, or if the Digest header is absent while
// body is non-empty; of kind "clock_skew" if the Date header is more than
// AllowedClockSkew away from now and compat is false; of kind
// "signature_invalid" on any cryptographic or digest mismatch.
func VerifyRequest(req *http.Request, body []byte, pubKey *rsa.PublicKey, compat bool) error {
	if req.Header.Get("Signature") == "" {
		return missingHeader("Signature")
	}

	digestHeader := req.Header.Get("Digest")
	if len(body) > 0 && digestHeader == "" {
		return missingHeader("Digest")
	}
	if digestHeader != "" {
		if err := verifyDigest(body, digestHeader); err != nil {
			return &VerificationError{Kind: "signature_invalid", Err: err}
		}
	}

	if !compat {
		dateStr := req.Header.Get("Date")
		if dateStr == "" {
			return missingHeader("Date")
		}
		reqTime, err := http.ParseTime(dateStr)
		if err != nil {
			return &VerificationError{Kind: "signature_invalid", Err: fmt.Errorf("httpsig: invalid Date header %q: %w", dateStr, err)}
		}
		if skew := time.Since(reqTime); skew > AllowedClockSkew || skew < -AllowedClockSkew {
			return &VerificationError{Kind: "clock_skew", Err: fmt.Errorf("httpsig: Date skew %v exceeds allowed %v", skew.Round(time.Second), AllowedClockSkew)}
		}
	}

	verifier, err := gofedhttpsig.NewVerifier(req)
	if err != nil {
		return &VerificationError{Kind: "signature_invalid", Err: fmt.Errorf("httpsig: parse signature: %w", err)}
	}
	if err := verifier.Verify(pubKey, gofedhttpsig.RSA_SHA256); err != nil {
		return &VerificationError{Kind: "signature_invalid", Err: fmt.Errorf("httpsig: verify: %w", err)}
	}
	return nil
}

// KeyID extracts the keyId parameter from an already-present Signature
// header, without performing any cryptographic verification. The inbound
// receiver uses this to know which actor's key to dereference before it
// can call VerifyRequest.
func KeyID(req *http.Request) (string, error) {
	verifier, err := gofedhttpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("httpsig: parse signature: %w", err)
	}
	return verifier.KeyId(), nil
}

// verifyDigest checks that digestHeader ("SHA-256=<base64>") matches the
// SHA-256 of body. Unknown digest algorithms are skipped rather than
// rejected, for forward compatibility with servers that sign with a
// different digest algorithm we don't yet support.
func verifyDigest(body []byte, digestHeader string) error {
	const prefix = "SHA-256="
	if !strings.HasPrefix(digestHeader, prefix) {
		return nil
	}
	sum := sha256.Sum256(body)
	got := base64.StdEncoding.EncodeToString(sum[:])
	want := digestHeader[len(prefix):]
	if got != want {
		return fmt.Errorf("httpsig: digest mismatch: body SHA-256=%s, header claims %s", got, want)
	}
	return nil
}

// BuildDigestHeader computes the Digest header value for body, in the
// form the signer and verifier both expect.
func BuildDigestHeader(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}
