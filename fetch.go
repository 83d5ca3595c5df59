package fedcore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/klppl/fedcore/httpsig"
)

// acceptHeader is sent on every outbound GET performed by the fetch
// pipeline.
const acceptHeader = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// fetchCacheSize and fetchCacheTTL bound an in-memory LRU of recently
// fetched JSON bodies keyed by URL, short-lived enough to collapse
// duplicate fetches triggered by near-simultaneous receipt of activities
// referencing the same id without serving stale data for long.
const (
	fetchCacheSize = 10_000
	fetchCacheTTL  = 60 * time.Second
)

type cachedBody struct {
	body    []byte
	expires time.Time
}

var (
	fetchCache     *lru.Cache[string, cachedBody]
	fetchCacheOnce sync.Once
	fetchGroup     singleflight.Group
)

func cache() *lru.Cache[string, cachedBody] {
	fetchCacheOnce.Do(func() {
		fetchCache, _ = lru.New[string, cachedBody](fetchCacheSize)
	})
	return fetchCache
}

// InvalidateFetchCache removes rawURL from the package-wide short-TTL
// fetch cache, e.g. after delivering a Delete for an id the application
// knows it will re-fetch soon.
func InvalidateFetchCache(rawURL string) {
	cache().Remove(rawURL)
}

// LocalLookup is an optional capability an application supplies to
// Dereference so that the framework can skip a network round-trip for
// objects it already owns. fresh reports whether the cached copy may be
// returned as-is: remote actors are refreshed on a cadence (see
// queue.Resyncer) and application-owned local objects are never
// considered stale (the application should simply always report
// fresh=true for its own ids).
type LocalLookup[T Object] func(ctx context.Context, id ObjectId[T]) (value T, found bool, fresh bool)

// FetchRaw performs the shared mechanics of a budget-accounted fetch:
// budget decrement, URL verification, signed/unsigned GET with redirect
// and same-origin enforcement, and short-TTL caching. It returns the raw
// response body. Exported so sibling packages (such as webfinger) can
// issue budget-accounted GETs that are not a typed ObjectId dereference,
// such as the WebFinger document itself.
func FetchRaw(ctx context.Context, rd *RequestData, targetURL string) ([]byte, error) {
	return fetchRaw(ctx, rd, targetURL)
}

func fetchRaw(ctx context.Context, rd *RequestData, targetURL string) ([]byte, error) {
	if c, ok := cache().Get(targetURL); ok && time.Now().Before(c.expires) {
		return c.body, nil
	}

	if err := rd.takeBudget(); err != nil {
		return nil, err
	}

	cfg := rd.Config
	if err := cfg.VerifyURL(ctx, targetURL); err != nil {
		return nil, err
	}

	v, err, _ := fetchGroup.Do(targetURL, func() (any, error) {
		return doFetch(ctx, cfg, targetURL)
	})
	if err != nil {
		return nil, err
	}
	body := v.([]byte)
	cache().Add(targetURL, cachedBody{body: body, expires: time.Now().Add(fetchCacheTTL)})
	return body, nil
}

func doFetch(ctx context.Context, cfg *FederationConfig, targetURL string) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, &FetchError{URL: targetURL, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", acceptHeader)

	if actor := cfg.SignedFetchActor(); actor != nil {
		privKey, err := httpsig.ParsePrivateKeyPEM(actor.PrivateKeyPEM)
		if err != nil {
			return nil, &FetchError{URL: targetURL, Err: fmt.Errorf("parse signing key: %w", err)}
		}
		if err := httpsig.SignRequest(req, nil, actor.KeyID, privKey, cfg.HTTPSignatureCompat()); err != nil {
			return nil, &FetchError{URL: targetURL, Err: fmt.Errorf("sign request: %w", err)}
		}
	}

	initialHost := req.URL.Host
	client := sameOriginClient(cfg, initialHost)

	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: targetURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, &ResourceGoneError{URL: targetURL}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: targetURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: targetURL, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

// maxRedirects bounds redirect-following.
const maxRedirects = 20

// sameOriginClient returns an HTTP client that follows redirects up to
// maxRedirects but rejects any redirect landing on a different host than
// initialHost — the "strict same-origin rule" that prevents a server from
// spoofing an id it does not own via a redirect chain.
func sameOriginClient(cfg *FederationConfig, initialHost string) *http.Client {
	base := cfg.HTTPClient()
	c := &http.Client{
		Transport: base.Transport,
		Jar:       base.Jar,
		Timeout:   base.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("fedcore: stopped after %d redirects", maxRedirects)
			}
			if req.URL.Host != initialHost {
				return &IdHostMismatchError{FetchedFrom: initialHost, Reason: fmt.Sprintf("redirected to different host %q", req.URL.Host)}
			}
			return nil
		},
	}
	return c
}

// Dereference resolves an ObjectId[T] to its native T: it consults local
// (if non-nil), then the fetch pipeline, hands the body to decode for the
// application to convert into its native form, and then verifies that the
// decoded object's id host matches the URL host. decode runs before that
// check, so anything it persists has not yet been verified.
func Dereference[T Object](ctx context.Context, id ObjectId[T], rd *RequestData, local LocalLookup[T], decode FromJSON[T]) (T, error) {
	var zero T

	if local != nil {
		if v, found, fresh := local(ctx, id); found && fresh {
			return v, nil
		}
	}

	body, err := fetchRaw(ctx, rd, id.String())
	if err != nil {
		return zero, err
	}

	expectedHost := id.Host()
	if u, perr := url.Parse(id.String()); perr == nil {
		expectedHost = u.Host
	}

	value, err := decode(json.RawMessage(body))
	if err != nil {
		return zero, &DeserializationError{URL: id.String(), Err: err}
	}
	if err := value.Verify(expectedHost); err != nil {
		return zero, &IdHostMismatchError{FetchedFrom: id.String(), Reason: err.Error()}
	}
	return value, nil
}

// DereferenceAny dereferences when T is a sum of multiple accepted kinds:
// each decode function in
// decoders is attempted in order against the same fetched body; the first
// one that both parses and passes Verify wins. Each variant's wire `type`
// tag must be a singleton so that ordering never matters in practice.
func DereferenceAny[T Object](ctx context.Context, id ObjectId[T], rd *RequestData, local LocalLookup[T], decoders ...FromJSON[T]) (T, error) {
	var zero T
	if len(decoders) == 0 {
		return zero, fmt.Errorf("fedcore: DereferenceAny called with no decoders")
	}

	if local != nil {
		if v, found, fresh := local(ctx, id); found && fresh {
			return v, nil
		}
	}

	body, err := fetchRaw(ctx, rd, id.String())
	if err != nil {
		return zero, err
	}

	expectedHost := id.Host()
	if u, perr := url.Parse(id.String()); perr == nil {
		expectedHost = u.Host
	}

	var lastErr error
	var hostErr *IdHostMismatchError
	for _, decode := range decoders {
		value, err := decode(json.RawMessage(body))
		if err != nil {
			lastErr = err
			continue
		}
		if err := value.Verify(expectedHost); err != nil {
			hostErr = &IdHostMismatchError{FetchedFrom: id.String(), Reason: err.Error()}
			continue
		}
		return value, nil
	}
	if hostErr != nil {
		return zero, hostErr
	}
	return zero, &DeserializationError{URL: id.String(), Err: fmt.Errorf("no variant matched: %w", lastErr)}
}
