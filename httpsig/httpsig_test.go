package httpsig

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func signedRequest(t *testing.T, body []byte, compat bool) (*http.Request, *KeyPair) {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "https://b.test/inbox", bytes.NewReader(body))
	req.Header.Set("Digest", BuildDigestHeader(body))

	err = SignRequest(req, body, "https://a.test/actor#main-key", kp.Private, compat)
	require.NoError(t, err)
	return req, kp
}

func TestSignThenVerify_Succeeds(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	req, kp := signedRequest(t, body, false)

	err := VerifyRequest(req, body, kp.Public, false)
	require.NoError(t, err)
}

func TestVerify_WrongKeyFails(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	req, _ := signedRequest(t, body, false)

	other, err := GenerateKeyPair()
	require.NoError(t, err)

	err = VerifyRequest(req, body, other.Public, false)
	require.Error(t, err)
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "signature_invalid", verr.Kind)
}

func TestVerify_TamperedSignatureFails(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	req, kp := signedRequest(t, body, false)

	sig := req.Header.Get("Signature")
	flipped := []byte(sig)
	for i := len(flipped) - 1; i >= 0; i-- {
		if flipped[i] >= 'a' && flipped[i] <= 'z' {
			flipped[i] = 'a' + (flipped[i]-'a'+1)%26
			break
		}
	}
	req.Header.Set("Signature", string(flipped))

	err := VerifyRequest(req, body, kp.Public, false)
	require.Error(t, err)
}

func TestVerify_MissingSignatureHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://b.test/inbox", nil)
	kp, _ := GenerateKeyPair()

	err := VerifyRequest(req, nil, kp.Public, false)
	require.Error(t, err)
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "missing_header", verr.Kind)
}

func TestVerify_ClockSkewRejectedWhenNotCompat(t *testing.T) {
	body := []byte(`{}`)
	req, kp := signedRequest(t, body, false)
	req.Header.Set("Date", "Mon, 02 Jan 2006 15:04:05 GMT") // long ago

	err := VerifyRequest(req, body, kp.Public, false)
	require.Error(t, err)
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "clock_skew", verr.Kind)
}

func TestDigestMismatchRejected(t *testing.T) {
	body := []byte(`{"a":1}`)
	req, kp := signedRequest(t, body, false)

	err := VerifyRequest(req, []byte(`{"a":2}`), kp.Public, false)
	require.Error(t, err)
}
