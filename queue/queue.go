// Package queue implements the outbound delivery pipeline: a bounded,
// worker-pooled queue that signs and POSTs activities to remote inboxes,
// retrying transient failures on a fixed schedule before giving up.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/klppl/fedcore"
	"github.com/klppl/fedcore/httpsig"
)

// retrySchedule is the fixed delay before each retry attempt: 60s, 1h,
// then 60h (2.5 days) before the delivery is abandoned.
// Three retries after the first attempt means four attempts total.
var retrySchedule = []time.Duration{60 * time.Second, time.Hour, 60 * time.Hour}

// maxAttempts is len(retrySchedule)+1: the first attempt plus one per
// scheduled retry.
const maxAttempts = 4

const contentType = `application/activity+json`

// job is one queued delivery: a signed-at-send-time POST of body to inbox.
type job struct {
	inbox   string
	body    []byte
	attempt int
}

// Queue is a bounded outbound delivery queue. Construct with New and call
// Deliver for each recipient inbox; call Shutdown to drain in-flight
// first attempts before process exit.
type Queue struct {
	cfg    *fedcore.FederationConfig
	logger *slog.Logger

	jobs chan job

	retrySem chan struct{} // bounds concurrent retry sequences to RetryWorkerCount

	wg sync.WaitGroup

	mu       sync.Mutex
	draining bool
	done     chan struct{}
}

// New starts a Queue's worker pool. The returned Queue's workers read from
// a channel bounded by cfg.QueueBoundCapacity(); Deliver blocks once that
// bound is reached, applying backpressure to callers rather than growing
// the queue unboundedly.
func New(cfg *fedcore.FederationConfig) *Queue {
	q := &Queue{
		cfg:      cfg,
		logger:   cfg.Logger(),
		jobs:     make(chan job, cfg.QueueBoundCapacity()),
		retrySem: make(chan struct{}, cfg.RetryWorkerCount()),
		done:     make(chan struct{}),
	}
	for i := 0; i < cfg.WorkerCount(); i++ {
		q.wg.Add(1)
		go q.runWorker()
	}
	return q
}

func (q *Queue) runWorker() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.attemptAndMaybeRetry(j)
	}
}

// Deliver queues one POST of body per target inbox; each POST is signed
// at send time with cfg.SignedFetchActor(). In debug mode deliveries run inline and
// synchronously, with no backgrounded retries, so tests and local runs see
// immediate, deterministic results. Outside debug mode, Deliver enqueues
// the work and returns once every target has been accepted onto the
// bounded channel; failures are handled by the background retry schedule
// and are not returned to the caller.
func (q *Queue) Deliver(ctx context.Context, body []byte, targets []string) error {
	if q.cfg.Debug() {
		var errs []error
		for _, inbox := range targets {
			if err := q.deliverOnce(ctx, inbox, body); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", inbox, err))
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("queue: %d of %d deliveries failed: %v", len(errs), len(targets), errs)
		}
		return nil
	}

	for _, inbox := range targets {
		q.mu.Lock()
		draining := q.draining
		q.mu.Unlock()
		if draining {
			return &fedcore.QueueShuttingDownError{}
		}
		select {
		case q.jobs <- job{inbox: inbox, body: body, attempt: 0}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// isRetryable classifies a delivery failure: timeouts, connection errors,
// 5xx, 408, and 429 are retried; any other 4xx (including 410, handled as
// ResourceGoneError) is a permanent failure and the task is discarded
// without scheduling a retry.
func isRetryable(err error) bool {
	var gone *fedcore.ResourceGoneError
	if errors.As(err, &gone) {
		return false
	}
	var fe *fedcore.FetchError
	if errors.As(err, &fe) {
		if fe.StatusCode == 0 {
			return true // transport-level failure: timeout, connection error, ...
		}
		switch fe.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		if fe.StatusCode >= 500 {
			return true
		}
		return false // other 4xx: permanent
	}
	// Errors outside the fetch path (no signing actor configured, key
	// parse failure, request construction failure) are deterministic and
	// would fail identically on every retry.
	return false
}

// attemptAndMaybeRetry runs one delivery attempt and, on failure, schedules
// the remaining retrySchedule entries on a background goroutine bounded by
// RetryWorkerCount concurrent retry sequences.
func (q *Queue) attemptAndMaybeRetry(j job) {
	err := q.deliverOnce(context.Background(), j.inbox, j.body)
	if err == nil {
		return
	}
	q.logger.Warn("delivery attempt failed", "inbox", j.inbox, "attempt", j.attempt+1, "error", err)
	if !isRetryable(err) {
		q.logger.Warn("delivery discarded: permanent failure", "inbox", j.inbox, "error", err)
		return
	}
	if j.attempt+1 >= maxAttempts {
		q.logger.Warn("delivery abandoned after max attempts", "inbox", j.inbox, "attempts", maxAttempts)
		return
	}

	select {
	case q.retrySem <- struct{}{}:
	default:
		// Retry capacity exhausted: drop rather than block a first-attempt
		// worker indefinitely. A future delivery to the same inbox (or a
		// resync) will naturally re-surface this recipient.
		q.logger.Warn("retry capacity exhausted, dropping delivery", "inbox", j.inbox)
		return
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() { <-q.retrySem }()
		q.runRetrySequence(j)
	}()
}

// runRetrySequence drives the remaining entries of retrySchedule for one
// job: it waits each scheduled delay, via the same backoff.BackOff
// interface the wider ecosystem uses, then re-attempts delivery. Each
// delay precedes its attempt, so a job that reaches here (its first
// attempt already failed) gets exactly len(retrySchedule) further tries.
func (q *Queue) runRetrySequence(j job) {
	sched := &fixedSchedule{delays: retrySchedule[j.attempt:]}
	attempt := j.attempt
	for {
		d := sched.NextBackOff()
		if d == backoff.Stop {
			q.logger.Warn("delivery abandoned after max attempts", "inbox", j.inbox, "attempts", maxAttempts)
			return
		}
		time.Sleep(d)

		attempt++
		if err := q.deliverOnce(context.Background(), j.inbox, j.body); err != nil {
			q.logger.Warn("retry attempt failed", "inbox", j.inbox, "attempt", attempt+1, "error", err)
			if !isRetryable(err) {
				q.logger.Warn("delivery discarded: permanent failure", "inbox", j.inbox, "error", err)
				return
			}
			continue
		}
		return
	}
}

// deliverOnce checks inbox against the configured URLVerifier, then
// performs a single signed POST of body to inbox.
func (q *Queue) deliverOnce(ctx context.Context, inbox string, body []byte) error {
	if err := q.cfg.VerifyURL(ctx, inbox); err != nil {
		return err
	}
	identity := q.cfg.SignedFetchActor()
	if identity == nil {
		return fmt.Errorf("queue: no signing actor configured")
	}
	privKey, err := httpsig.ParsePrivateKeyPEM(identity.PrivateKeyPEM)
	if err != nil {
		return fmt.Errorf("queue: parse signing key: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, q.cfg.RequestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("queue: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Digest", httpsig.BuildDigestHeader(body))
	if err := httpsig.SignRequest(req, body, identity.KeyID, privKey, q.cfg.HTTPSignatureCompat()); err != nil {
		return fmt.Errorf("queue: sign request: %w", err)
	}

	resp, err := q.cfg.HTTPClient().Do(req)
	if err != nil {
		return &fedcore.FetchError{URL: inbox, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return &fedcore.ResourceGoneError{URL: inbox}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &fedcore.FetchError{URL: inbox, StatusCode: resp.StatusCode}
	}
	return nil
}

// Shutdown stops accepting new deliveries and waits for in-flight first
// attempts and retry sequences to finish, or for ctx to expire. If ctx
// expires first, Shutdown returns ctx.Err(); retry sequences still waiting
// out a scheduled delay are not stopped and keep running in the background.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	close(q.jobs)

	waited := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fixedSchedule implements backoff.BackOff over an explicit slice of
// delays rather than an exponential curve, giving the fixed 60s/1h/60h
// retry policy retrySchedule defines.
type fixedSchedule struct {
	delays []time.Duration
	idx    int
}

func (f *fixedSchedule) NextBackOff() time.Duration {
	if f.idx >= len(f.delays) {
		return backoff.Stop
	}
	d := f.delays[f.idx]
	f.idx++
	return d
}

func (f *fixedSchedule) Reset() { f.idx = 0 }
