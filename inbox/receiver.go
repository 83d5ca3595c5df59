// Package inbox implements the inbound receipt pipeline: decode an inbox
// POST body into the application's activity sum type, resolve and verify
// the signing actor, and dispatch to the application's ActivityHandler.
package inbox

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/klppl/fedcore"
	"github.com/klppl/fedcore/httpsig"
)

// MaxBodySize caps inbound request bodies.
const MaxBodySize = 1 << 20 // 1 MiB

// Activity is the capability an application's activity sum type must
// implement so the receiver can resolve and verify the sender without
// knowing the concrete activity schema.
type Activity interface {
	// ActorID returns the URL of the actor the wire envelope claims sent
	// this activity.
	ActorID() string
	// ActivityID returns the activity's own id, used by applications for
	// deduplication (the framework does not enforce idempotence).
	ActivityID() string
}

// ActivityHandler is implemented by the application and invoked once an
// inbound activity's signature has been verified.
type ActivityHandler[A Activity] interface {
	Receive(ctx context.Context, activity A, rd *fedcore.RequestData) error
}

// Decode parses raw envelope bytes into the application's activity type.
// Unknown variants must be rejected here, at deserialization.
type Decode[A Activity] func(raw []byte) (A, error)

// ActorKey is the capability the receiver needs from the dereferenced
// signing actor: its published public key PEM.
type ActorKey interface {
	fedcore.Object
	PublicKeyPEM() string
}

// Receiver runs the inbound receive state machine for a single federated
// application. K is the application's actor type (something that can be
// dereferenced to get a publicKeyPem).
type Receiver[A Activity, K ActorKey] struct {
	Config         *fedcore.FederationConfig
	Decode         Decode[A]
	DereferenceKey func(ctx context.Context, id fedcore.ObjectId[K], rd *fedcore.RequestData) (K, error)
	Handler        ActivityHandler[A]
}

// Outcome reports which HTTP status the caller's adapter should send.
type Outcome struct {
	Status int
	Err    error
}

// Receive runs the full Receiving -> ParsingEnvelope -> ResolvingActor ->
// VerifyingSignature -> Dispatching state machine against one inbox POST.
// body must already have been capped to MaxBodySize by the caller's
// extraction layer; Receive itself only re-checks the size as a guard
// against misuse.
func (r *Receiver[A, K]) Receive(ctx context.Context, req *http.Request, body []byte) Outcome {
	if len(body) > MaxBodySize {
		return Outcome{Status: http.StatusRequestEntityTooLarge, Err: fmt.Errorf("inbox: payload exceeds %d bytes", MaxBodySize)}
	}

	// ParsingEnvelope.
	activity, err := r.Decode(body)
	if err != nil {
		return Outcome{Status: http.StatusBadRequest, Err: &fedcore.DeserializationError{Err: err}}
	}

	// ResolvingActor. The actor host must equal the host that signed the
	// request; since HTTP signature verification below is keyed off the
	// actor's own published key, we additionally require the activity's
	// actor URL host to match the keyId's host, so a compromised/foreign
	// key cannot impersonate an actor on another domain.
	actorURLStr := activity.ActorID()
	keyIDStr, err := httpsig.KeyID(req)
	if err != nil {
		return Outcome{Status: http.StatusBadRequest, Err: &fedcore.MissingHeaderError{Header: "Signature"}}
	}
	if !sameHost(actorURLStr, keyIDStr) {
		return Outcome{Status: http.StatusBadRequest, Err: &fedcore.SignatureInvalidError{Reason: "activity actor host does not match signing key host"}}
	}

	rd := fedcore.NewRequestData(ctx, r.Config)
	keyActorID, err := fedcore.NewObjectId[K](strings.Split(keyIDStr, "#")[0], r.Config)
	if err != nil {
		return Outcome{Status: http.StatusBadRequest, Err: err}
	}
	signer, err := r.DereferenceKey(ctx, keyActorID, rd)
	if err != nil {
		return Outcome{Status: http.StatusBadRequest, Err: err}
	}

	// VerifyingSignature.
	pubKey, err := httpsig.ParsePublicKeyPEM(signer.PublicKeyPEM())
	if err != nil {
		return Outcome{Status: http.StatusBadRequest, Err: &fedcore.SignatureInvalidError{Reason: err.Error()}}
	}
	if err := httpsig.VerifyRequest(req, body, pubKey, r.Config.HTTPSignatureCompat()); err != nil {
		return Outcome{Status: http.StatusBadRequest, Err: &fedcore.SignatureInvalidError{Reason: err.Error()}}
	}

	// Dispatching.
	if err := r.Handler.Receive(ctx, activity, rd); err != nil {
		return Outcome{Status: http.StatusInternalServerError, Err: &fedcore.HandlerError{Err: err}}
	}

	return Outcome{Status: http.StatusAccepted}
}

func sameHost(a, b string) bool {
	ah := hostOf(a)
	bh := hostOf(b)
	return ah != "" && ah == bh
}

func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return ""
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexAny(rest, "/#"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}
