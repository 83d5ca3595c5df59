// Package fedcore implements the core ActivityPub federation machinery
// shared by federated applications: HTTP-signature signing and
// verification, typed remote-object dereferencing with caching and loop
// protection, and the request-scoped handle every federation operation
// runs through.
//
// The package is polymorphic over the host application's data: it never
// defines an ActivityPub object or activity schema. Applications supply
// their own types and implement the Object / Activity capability
// interfaces described in objectid.go and inbox.ActivityHandler.
package fedcore

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// URLVerifier is invoked before every outbound GET and every delivery
// attempt. Returning a non-nil error rejects the URL; the reason is
// included in the resulting UrlBlockedError for logging.
type URLVerifier func(ctx context.Context, target string) error

// AllowAllURLs is the zero-value URLVerifier: it never rejects anything.
// Suitable for local development only.
func AllowAllURLs(context.Context, string) error { return nil }

// FederationConfig is the immutable, process-wide configuration for a
// federated server. Build it once with FederationConfigBuilder and share
// the resulting value across every RequestData for the process lifetime.
type FederationConfig struct {
	domain               string
	httpSignatureCompat  bool
	httpFetchLimit       int
	workerCount          int
	retryWorkerCount     int
	requestTimeout       time.Duration
	debug                bool
	allowHTTPDomains     map[string]struct{}
	urlVerifier          URLVerifier
	signedFetchActor     *ActorIdentity
	queueBoundCapacity   int
	httpClient           *http.Client
	logger               *slog.Logger
}

// ActorIdentity is the minimal identity a FederationConfig needs to sign
// outbound requests on behalf of a local actor: a key id (e.g.
// "https://example.com/actor#main-key") and the matching private key PEM.
// The same identity signs outbound GETs and every delivery made by
// queue.Queue; there is no per-sender key.
type ActorIdentity struct {
	KeyID      string
	PrivateKeyPEM string
}

// Domain returns the local host this server identifies as.
func (c *FederationConfig) Domain() string { return c.domain }

// HTTPSignatureCompat reports whether HTTP-signature compatibility mode is
// on: bodyless requests are signed without Digest, and inbound signature
// verification skips the Date clock-skew check.
func (c *FederationConfig) HTTPSignatureCompat() bool { return c.httpSignatureCompat }

// Debug reports whether the server is running in debug mode (plain HTTP
// allowed, deliveries inlined).
func (c *FederationConfig) Debug() bool { return c.debug }

// HTTPFetchLimit returns the per-RequestData outbound-GET budget.
func (c *FederationConfig) HTTPFetchLimit() int { return c.httpFetchLimit }

// WorkerCount returns the configured first-attempt delivery concurrency.
func (c *FederationConfig) WorkerCount() int { return c.workerCount }

// RetryWorkerCount returns the configured retry-delivery concurrency.
func (c *FederationConfig) RetryWorkerCount() int { return c.retryWorkerCount }

// QueueBoundCapacity returns the outbound queue's backpressure bound.
func (c *FederationConfig) QueueBoundCapacity() int { return c.queueBoundCapacity }

// RequestTimeout returns the timeout applied to each outbound HTTP call.
func (c *FederationConfig) RequestTimeout() time.Duration { return c.requestTimeout }

// HTTPClient returns the shared, connection-pooled HTTP client.
func (c *FederationConfig) HTTPClient() *http.Client { return c.httpClient }

// Logger returns the configured structured logger.
func (c *FederationConfig) Logger() *slog.Logger { return c.logger }

// SignedFetchActor returns the actor identity used to sign outbound GETs,
// or nil if fetches are unsigned. queue.Queue also signs every delivery
// with this identity and fails deliveries when it is nil.
func (c *FederationConfig) SignedFetchActor() *ActorIdentity { return c.signedFetchActor }

// AllowsHTTP reports whether plain http:// is permitted for the given
// host: true in debug mode, or when the host is explicitly allow-listed.
func (c *FederationConfig) AllowsHTTP(host string) bool {
	if c.debug {
		return true
	}
	_, ok := c.allowHTTPDomains[strings.ToLower(host)]
	return ok
}

// VerifyURL invokes the configured URLVerifier, wrapping a rejection in a
// UrlBlockedError.
func (c *FederationConfig) VerifyURL(ctx context.Context, target string) error {
	if c.urlVerifier == nil {
		return nil
	}
	if err := c.urlVerifier(ctx, target); err != nil {
		return &UrlBlockedError{URL: target, Reason: err.Error()}
	}
	return nil
}

// FederationConfigBuilder constructs a FederationConfig. Obtain one from
// NewFederationConfigBuilder (the zero value has no domain and no
// allow-http set), chain the With* methods and call Build.
type FederationConfigBuilder struct {
	cfg FederationConfig
}

// NewFederationConfigBuilder returns a builder pre-populated with the
// documented defaults: http_fetch_limit=50, worker_count=64,
// retry_worker_count=8, queue_bound_capacity=1024, request_timeout=10s.
func NewFederationConfigBuilder(domain string) *FederationConfigBuilder {
	b := &FederationConfigBuilder{}
	b.cfg.domain = domain
	b.cfg.httpFetchLimit = 50
	b.cfg.workerCount = 64
	b.cfg.retryWorkerCount = 8
	b.cfg.queueBoundCapacity = 1024
	b.cfg.requestTimeout = 10 * time.Second
	b.cfg.urlVerifier = AllowAllURLs
	b.cfg.allowHTTPDomains = make(map[string]struct{})
	b.cfg.logger = slog.Default()
	return b
}

func (b *FederationConfigBuilder) WithHTTPFetchLimit(n int) *FederationConfigBuilder {
	b.cfg.httpFetchLimit = n
	return b
}

func (b *FederationConfigBuilder) WithWorkerCount(n int) *FederationConfigBuilder {
	b.cfg.workerCount = n
	return b
}

func (b *FederationConfigBuilder) WithRetryWorkerCount(n int) *FederationConfigBuilder {
	b.cfg.retryWorkerCount = n
	return b
}

func (b *FederationConfigBuilder) WithQueueBoundCapacity(n int) *FederationConfigBuilder {
	b.cfg.queueBoundCapacity = n
	return b
}

func (b *FederationConfigBuilder) WithRequestTimeout(d time.Duration) *FederationConfigBuilder {
	b.cfg.requestTimeout = d
	return b
}

// WithDebug enables debug mode: plain HTTP is permitted to any host and
// the outbound queue delivers inline instead of via the background
// worker pool.
func (b *FederationConfigBuilder) WithDebug(debug bool) *FederationConfigBuilder {
	b.cfg.debug = debug
	return b
}

// WithAllowHTTP adds a host to the plain-HTTP allowlist, for use outside
// debug mode (e.g. integration tests that run real local HTTP servers).
func (b *FederationConfigBuilder) WithAllowHTTP(host string) *FederationConfigBuilder {
	b.cfg.allowHTTPDomains[strings.ToLower(host)] = struct{}{}
	return b
}

func (b *FederationConfigBuilder) WithURLVerifier(v URLVerifier) *FederationConfigBuilder {
	b.cfg.urlVerifier = v
	return b
}

func (b *FederationConfigBuilder) WithSignedFetchActor(identity *ActorIdentity) *FederationConfigBuilder {
	b.cfg.signedFetchActor = identity
	return b
}

func (b *FederationConfigBuilder) WithHTTPSignatureCompat(compat bool) *FederationConfigBuilder {
	b.cfg.httpSignatureCompat = compat
	return b
}

func (b *FederationConfigBuilder) WithHTTPClient(c *http.Client) *FederationConfigBuilder {
	b.cfg.httpClient = c
	return b
}

func (b *FederationConfigBuilder) WithLogger(l *slog.Logger) *FederationConfigBuilder {
	b.cfg.logger = l
	return b
}

// Build validates the accumulated options and returns an immutable
// FederationConfig, or a *ConfigError describing the first invariant
// violation found.
func (b *FederationConfigBuilder) Build() (*FederationConfig, error) {
	if b.cfg.domain == "" {
		return nil, &ConfigError{Field: "domain", Reason: "must not be empty"}
	}
	if b.cfg.workerCount < 1 {
		return nil, &ConfigError{Field: "worker_count", Reason: "must be >= 1"}
	}
	if b.cfg.retryWorkerCount < 1 {
		return nil, &ConfigError{Field: "retry_worker_count", Reason: "must be >= 1"}
	}
	if b.cfg.httpFetchLimit < 0 {
		return nil, &ConfigError{Field: "http_fetch_limit", Reason: "must be >= 0"}
	}
	if b.cfg.queueBoundCapacity < 1 {
		return nil, &ConfigError{Field: "queue_bound_capacity", Reason: "must be >= 1"}
	}
	cfg := b.cfg
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: cfg.requestTimeout}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	// Copy the allow-http set so later mutation of the builder (if reused)
	// cannot reach back into a config already handed out.
	allowed := make(map[string]struct{}, len(cfg.allowHTTPDomains))
	for k := range cfg.allowHTTPDomains {
		allowed[k] = struct{}{}
	}
	cfg.allowHTTPDomains = allowed
	return &cfg, nil
}

// RequestData is a per-operation handle derived from a FederationConfig.
// One is created at the entry point of each inbound HTTP request (via
// httpadapter.Middleware) and at each application-initiated federation
// operation, and is dropped at the end of that operation. It carries an
// exclusively-owned request budget: every outbound GET performed through
// it decrements the counter, and hitting zero fails further fetches.
type RequestData struct {
	Config  *FederationConfig
	ctx     context.Context
	budget  atomic.Int64
}

// NewRequestData derives a RequestData from cfg, seeding its budget from
// cfg.HTTPFetchLimit(). ctx governs cancellation of in-flight fetches
// issued through it.
func NewRequestData(ctx context.Context, cfg *FederationConfig) *RequestData {
	rd := &RequestData{Config: cfg, ctx: ctx}
	rd.budget.Store(int64(cfg.httpFetchLimit))
	return rd
}

// Context returns the cancellation context this RequestData was created
// with.
func (rd *RequestData) Context() context.Context { return rd.ctx }

// takeBudget decrements the fetch budget and reports whether the caller
// may proceed. A zero http_fetch_limit means unlimited (budget disabled).
func (rd *RequestData) takeBudget() error {
	if rd.Config.httpFetchLimit == 0 {
		return nil
	}
	if rd.budget.Add(-1) < 0 {
		return &BudgetExceededError{Limit: rd.Config.httpFetchLimit}
	}
	return nil
}

// RemainingBudget reports the number of outbound GETs still permitted on
// this handle. Useful for tests and diagnostics.
func (rd *RequestData) RemainingBudget() int64 {
	return rd.budget.Load()
}
