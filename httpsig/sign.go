package httpsig

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"time"

	gofedhttpsig "github.com/go-fed/httpsig"
)

// signedHeaders is the header set named in the Signature header's
// `headers` parameter: the pseudo-header (request-target), Host, Date,
// and Digest.
var signedHeaders = []string{gofedhttpsig.RequestTarget, "host", "date", "digest"}

// signedHeadersNoDigest is used in HTTP-signature-compat mode for bodyless
// GET requests. Mastodon and several other implementations never include
// a Digest header on GET dereference requests, only on POSTs to an inbox
// — strict mode (the draft-defined behavior) signs Digest unconditionally,
// including for an empty GET body. The digest is included iff compat mode
// is off, or the request carries a body.
var signedHeadersNoDigest = []string{gofedhttpsig.RequestTarget, "host", "date"}

// SignRequest signs req in place: it ensures Date (RFC1123, current UTC)
// and Host are present, then attaches an RSA-SHA256 Signature header
// covering (request-target), host, date, and (unless compat mode omits
// it for a bodyless request) digest. The Digest header itself, when
// signed, is computed and set by the underlying signer from body.
//
// keyID is the full key identifier URL, e.g.
// "https://example.com/actor#main-key".
func SignRequest(req *http.Request, body []byte, keyID string, privKey *rsa.PrivateKey, compat bool) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	headers := signedHeaders
	if compat && len(body) == 0 {
		headers = signedHeadersNoDigest
		body = nil
	} else if body == nil {
		body = []byte{}
	}
	// The underlying signer computes Digest from body and refuses to
	// overwrite an existing header, so a caller-set value is replaced.
	if body != nil {
		req.Header.Del("Digest")
	}

	signer, _, err := gofedhttpsig.NewSigner(
		[]gofedhttpsig.Algorithm{gofedhttpsig.RSA_SHA256},
		gofedhttpsig.DigestSha256,
		headers,
		gofedhttpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("httpsig: create signer: %w", err)
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return fmt.Errorf("httpsig: sign request: %w", err)
	}
	return nil
}
