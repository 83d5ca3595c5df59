package fedcore

import "fmt"

// ConfigError is returned by FederationConfigBuilder.Build when a required
// option is missing or invalid. It is always a fatal, startup-time error.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("fedcore: invalid config field %q: %s", e.Field, e.Reason)
}

// UrlBlockedError is returned when the configured URLVerifier rejects a
// target URL before a fetch or delivery attempt. Never retried.
type UrlBlockedError struct {
	URL    string
	Reason string
}

func (e *UrlBlockedError) Error() string {
	return fmt.Sprintf("fedcore: url blocked: %s (%s)", e.URL, e.Reason)
}

// BudgetExceededError is returned when a RequestData's outbound-GET budget
// has been exhausted.
type BudgetExceededError struct {
	Limit int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("fedcore: request fetch budget exceeded (limit %d)", e.Limit)
}

// FetchError wraps a transport-level failure (timeout, connection error,
// non-2xx status) encountered while dereferencing a remote object. It is
// retryable when encountered during delivery, but surfaced synchronously to
// the caller when encountered during a fetch.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fedcore: fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fedcore: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DeserializationError wraps a JSON parse or schema-mismatch failure. Not
// retried.
type DeserializationError struct {
	URL string
	Err error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("fedcore: deserialize %s: %v", e.URL, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// IdHostMismatchError is returned when a fetched object's declared id host
// differs from the host of the URL it was fetched from. Treated as
// malicious; not retried.
type IdHostMismatchError struct {
	FetchedFrom string
	Reason      string
}

func (e *IdHostMismatchError) Error() string {
	return fmt.Sprintf("fedcore: id host mismatch: fetched from %s: %s", e.FetchedFrom, e.Reason)
}

// SignatureInvalidError is returned when HTTP signature verification fails
// cryptographically or the digest does not match the body.
type SignatureInvalidError struct {
	Reason string
}

func (e *SignatureInvalidError) Error() string {
	return fmt.Sprintf("fedcore: signature invalid: %s", e.Reason)
}

// MissingHeaderError is returned when a required signing header (Signature
// or Digest) is absent from an inbound request.
type MissingHeaderError struct {
	Header string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("fedcore: missing required header %q", e.Header)
}

// ClockSkewError is returned when an inbound request's Date header exceeds
// the allowed skew from the server's current time.
type ClockSkewError struct {
	Skew    string
	Allowed string
}

func (e *ClockSkewError) Error() string {
	return fmt.Sprintf("fedcore: clock skew %s exceeds allowed %s", e.Skew, e.Allowed)
}

// WebFingerNotFoundError is returned when no WebFinger link yielded an
// object of the requested type.
type WebFingerNotFoundError struct {
	Handle string
}

func (e *WebFingerNotFoundError) Error() string {
	return fmt.Sprintf("fedcore: webfinger: no matching actor link for %q", e.Handle)
}

// HandlerError wraps an error returned by the application's ActivityHandler.
// Surfaced to the inbound receiver as a 500.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("fedcore: activity handler failed: %v", e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// QueueShuttingDownError is returned when a caller attempts to queue an
// activity after the outbound queue's drain has begun.
type QueueShuttingDownError struct{}

func (e *QueueShuttingDownError) Error() string {
	return "fedcore: queue is shutting down, not accepting new deliveries"
}

// ResourceGoneError is returned by the fetch pipeline when a remote resource
// responds with HTTP 410 Gone. Callers may special-case this — for example,
// an inbound Delete activity referencing an actor that has since been
// purged should usually still be honored even though the actor can no
// longer be dereferenced to verify the signature.
type ResourceGoneError struct {
	URL string
}

func (e *ResourceGoneError) Error() string {
	return fmt.Sprintf("fedcore: resource gone: %s", e.URL)
}
