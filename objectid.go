package fedcore

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Object is the capability every type dereferenced through ObjectId[T]
// must implement. Applications define their own object schemas (actors,
// posts, collections, ...); the library only needs to be able to verify
// ownership and to hand the decoded wire form to the application.
type Object interface {
	// Verify enforces that the object's own declared id has the same host
	// as expectedHost (the host of the URL it was fetched from). Returning
	// a non-nil error here becomes an IdHostMismatchError to the caller.
	Verify(expectedHost string) error
}

// FromJSON converts raw wire JSON into a T, for use as the decode step of
// the fetch pipeline. It is a free function (not a method) because Go
// generics cannot express "a static factory method on the type parameter";
// applications register one FromJSON per concrete T via a closure captured
// at the call site.
type FromJSON[T Object] func(kind json.RawMessage) (T, error)

// ObjectId is a validated, absolute URL tagged with the local type T it
// dereferences to. Two ObjectId values are equal iff their URLs are equal.
type ObjectId[T Object] struct {
	url string
}

// NewObjectId validates rawURL (absolute, https, or http iff cfg permits
// plain HTTP for that host) and returns a typed ObjectId.
func NewObjectId[T Object](rawURL string, cfg *FederationConfig) (ObjectId[T], error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ObjectId[T]{}, &DeserializationError{URL: rawURL, Err: fmt.Errorf("parse id url: %w", err)}
	}
	if !u.IsAbs() {
		return ObjectId[T]{}, &DeserializationError{URL: rawURL, Err: fmt.Errorf("id url must be absolute")}
	}
	switch u.Scheme {
	case "https":
		// always fine
	case "http":
		if cfg != nil && !cfg.AllowsHTTP(u.Host) {
			return ObjectId[T]{}, &DeserializationError{URL: rawURL, Err: fmt.Errorf("plain http not permitted for host %q", u.Host)}
		}
	default:
		return ObjectId[T]{}, &DeserializationError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return ObjectId[T]{url: u.String()}, nil
}

// String returns the underlying URL.
func (id ObjectId[T]) String() string { return id.url }

// Host returns the URL's host component.
func (id ObjectId[T]) Host() string {
	u, err := url.Parse(id.url)
	if err != nil {
		return ""
	}
	return u.Host
}

// Equal reports whether two ObjectIds refer to the same URL.
func (id ObjectId[T]) Equal(other ObjectId[T]) bool { return id.url == other.url }
