// Package httpadapter wires fedcore's request-scoped RequestData and the
// inbox package's Receiver into a chi-compatible HTTP handler: a
// request-data context key, activity-response shaping, and an inbox
// handler that applies global and per-origin concurrency limits before
// dispatching.
package httpadapter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/klppl/fedcore"
)

// ActivityJSONType and LDJSONType are the two response content types an
// ActivityPub server alternates between depending on what the remote
// requested.
const (
	ActivityJSONType = `application/activity+json`
	LDJSONType       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

type contextKey int

const requestDataKey contextKey = iota

// Middleware derives a fresh *fedcore.RequestData for every inbound
// request and stores it in the request context, the way every federation
// operation in this library expects to receive one.
func Middleware(cfg *fedcore.FederationConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rd := fedcore.NewRequestData(r.Context(), cfg)
			ctx := context.WithValue(r.Context(), requestDataKey, rd)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestDataFromContext retrieves the RequestData Middleware attached to
// ctx, or nil if Middleware was never run.
func RequestDataFromContext(ctx context.Context) *fedcore.RequestData {
	rd, _ := ctx.Value(requestDataKey).(*fedcore.RequestData)
	return rd
}

// MaxBodySize is the cap applied to every inbound POST body before it is
// handed to an inbox.Receiver.
const MaxBodySize = 1 << 20

// ExtractBody reads and returns up to MaxBodySize bytes of r.Body.
func ExtractBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
}

// RespondActivity writes v as an ActivityPub response: when v encodes to a
// JSON object without an "@context" key, the ActivityStreams context is
// added; Content-Type is application/activity+json and a permissive CORS
// header is set, matching the teacher's apResponse helper.
func RespondActivity(w http.ResponseWriter, v any) {
	if raw, err := json.Marshal(v); err == nil {
		var obj map[string]json.RawMessage
		if json.Unmarshal(raw, &obj) == nil && obj != nil {
			if _, ok := obj["@context"]; !ok {
				obj["@context"] = json.RawMessage(`"https://www.w3.org/ns/activitystreams"`)
				v = obj
			}
		}
	}
	w.Header().Set("Content-Type", ActivityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpadapter: failed to encode activity response", "error", err)
	}
}

// RespondJSON writes v as status with a plain application/json
// Content-Type, for non-ActivityPub endpoints (health checks, admin APIs).
func RespondJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpadapter: failed to encode JSON response", "error", err)
	}
}

// CORSMiddleware adds the permissive CORS headers Fediverse clients expect
// and short-circuits preflight OPTIONS requests.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Signature, Digest")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ActorOrigin extracts the hostname to attribute an inbound POST to for
// per-origin rate limiting: the host of the activity's "actor" field when
// present, falling back to the connecting IP.
func ActorOrigin(body []byte, remoteAddr string) string {
	var a struct {
		Actor string `json:"actor"`
	}
	if json.Unmarshal(body, &a) == nil && a.Actor != "" {
		if u, err := url.Parse(a.Actor); err == nil && u.Host != "" {
			return u.Host
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// InboxLimiter enforces a global inbox-processing concurrency cap and a
// per-origin cap within it, so a single noisy remote origin cannot
// consume the server's entire inbox concurrency budget. Grounded on the
// teacher's inboxLimiter/inboxSem pair.
type InboxLimiter struct {
	global chan struct{}

	mu           sync.Mutex
	perOrigin    map[string]int
	perOriginCap int
}

// NewInboxLimiter returns a limiter allowing at most globalCap activities
// in flight at once, with at most perOriginCap of those from any single
// origin.
func NewInboxLimiter(globalCap, perOriginCap int) *InboxLimiter {
	return &InboxLimiter{
		global:       make(chan struct{}, globalCap),
		perOrigin:    make(map[string]int),
		perOriginCap: perOriginCap,
	}
}

// Acquire attempts to reserve a processing slot for origin. release must
// be called exactly once when acquired is true.
func (l *InboxLimiter) Acquire(origin string) (release func(), acquired bool) {
	l.mu.Lock()
	if l.perOrigin[origin] >= l.perOriginCap {
		l.mu.Unlock()
		return nil, false
	}
	l.perOrigin[origin]++
	l.mu.Unlock()

	select {
	case l.global <- struct{}{}:
	default:
		l.releaseOrigin(origin)
		return nil, false
	}

	return func() {
		<-l.global
		l.releaseOrigin(origin)
	}, true
}

func (l *InboxLimiter) releaseOrigin(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perOrigin[origin] > 0 {
		l.perOrigin[origin]--
	}
	if l.perOrigin[origin] == 0 {
		delete(l.perOrigin, origin)
	}
}
