// Package webfinger resolves "name@host" Fediverse handles to typed
// actors via the .well-known/webfinger endpoint.
package webfinger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klppl/fedcore"
)

// JRD is a minimal JSON Resource Descriptor, the document type WebFinger
// responds with.
type JRD struct {
	Subject string `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

// Link is one entry in a JRD's links array.
type Link struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// isActivityPubType reports whether a link's type is one of the two media
// types this library treats as "an ActivityPub actor lives at Href",
// tolerant of case and of whitespace around the profile parameter the way
// real-world servers vary it.
func isActivityPubType(t string) bool {
	lower := strings.ToLower(strings.TrimSpace(t))
	if lower == "application/activity+json" {
		return true
	}
	return strings.HasPrefix(lower, "application/ld+json") &&
		strings.Contains(lower, "https://www.w3.org/ns/activitystreams")
}

// Resolve fetches
// https://<host>/.well-known/webfinger?resource=acct:<handle> (handle has
// no leading '@'), then attempts ObjectId[T]-style dereference of each
// "rel": "self" link with an ActivityPub media type, in document order.
// The first link that both fetches and decodes successfully is returned.
//
// dereference is the caller's Dereference/DereferenceAny closure (bound to
// its RequestData and decoders), kept as a parameter here so this package
// never needs the T-specific decode function.
func Resolve[T fedcore.Object](ctx context.Context, handle string, rd *fedcore.RequestData, cfg *fedcore.FederationConfig, dereference func(ctx context.Context, id fedcore.ObjectId[T]) (T, error)) (T, error) {
	var zero T

	name, host, err := splitHandle(handle)
	if err != nil {
		return zero, err
	}

	scheme := "https"
	if cfg.AllowsHTTP(host) {
		scheme = "http"
	}
	wfURL := scheme + "://" + host + "/.well-known/webfinger?resource=acct:" + name + "@" + host

	doc, err := fetchJRD(ctx, rd, cfg, wfURL)
	if err != nil {
		return zero, err
	}

	var lastErr error
	for _, link := range doc.Links {
		if link.Rel != "self" || link.Href == "" || !isActivityPubType(link.Type) {
			continue
		}
		id, err := fedcore.NewObjectId[T](link.Href, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		v, err := dereference(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		return v, nil
	}
	if lastErr != nil {
		return zero, &fedcore.WebFingerNotFoundError{Handle: handle}
	}
	return zero, &fedcore.WebFingerNotFoundError{Handle: handle}
}

func splitHandle(handle string) (name, host string, err error) {
	handle = strings.TrimPrefix(handle, "@")
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("webfinger: invalid handle %q, expected name@host", handle)
	}
	return parts[0], parts[1], nil
}

// fetchJRD performs the WebFinger GET through the fetch pipeline's budget
// accounting and short-TTL cache, same as any other outbound GET issued
// through rd.
func fetchJRD(ctx context.Context, rd *fedcore.RequestData, cfg *fedcore.FederationConfig, wfURL string) (*JRD, error) {
	body, err := fedcore.FetchRaw(ctx, rd, wfURL)
	if err != nil {
		return nil, err
	}
	var doc JRD
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &fedcore.DeserializationError{URL: wfURL, Err: err}
	}
	return &doc, nil
}
