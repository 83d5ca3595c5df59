package httpadapter

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/klppl/fedcore/inbox"
)

// Receive is the shape of inbox.Receiver[A, K].Receive with its type
// parameters erased, since InboxHandler itself has no need to know the
// application's concrete activity/actor types — callers pass a closure
// over their own *inbox.Receiver[A, K].
type Receive func(ctx context.Context, r *http.Request, body []byte) inbox.Outcome

// dispatchTimeout bounds the background goroutine's work once a POST has
// been accepted and ServeHTTP has returned.
const dispatchTimeout = 30 * time.Second

// InboxHandler builds an http.HandlerFunc that extracts and size-caps the
// request body, applies the concurrency limiter, and runs recv against
// it. Once the limiter admits the request the handler responds 202
// Accepted and runs recv on a background goroutine: the remote server only
// needs to know its POST was accepted, not that our side effects have
// finished. recv's Outcome status is not sent to the remote server; a
// failed Outcome is only logged.
func InboxHandler(recv Receive, limiter *InboxLimiter, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := ExtractBody(r)
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}

		origin := ActorOrigin(body, r.RemoteAddr)
		release, ok := limiter.Acquire(origin)
		if !ok {
			logger.Warn("inbox: rejecting activity, concurrency limit reached", "origin", origin)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		go func() {
			defer release()
			// r.Context() is cancelled the moment ServeHTTP returns below, so
			// the detached goroutine gets its own timeout rather than
			// inheriting a context that dies with the request.
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			outcome := recv(ctx, r, body)
			if outcome.Err != nil {
				logger.Warn("inbox: activity rejected", "status", outcome.Status, "error", outcome.Err)
			}
		}()

		w.WriteHeader(http.StatusAccepted)
	}
}
