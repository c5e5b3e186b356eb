package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/always-cache/offline-runtime/cache"
)

var (
	ErrMalformedKey         = errors.New("malformed cache key")
	ErrorMethodNotSupported = errors.New("method not supported")
	ErrorOriginDoesNotMatch = errors.New("key and origin do not match")
)

type Keyer struct {
	// Origin of the application. Only same-origin requests are keyed.
	Origin *url.URL
}

func NewKeyer(origin *url.URL) Keyer {
	return Keyer{Origin: origin}
}

// Fingerprint returns the cache fingerprint for a request.
// Relative request URLs are resolved against the origin and the fragment is dropped,
// so the same resource always maps onto the same entry.
func (k Keyer) Fingerprint(r *http.Request) cache.Fingerprint {
	u := *r.URL
	if u.Host == "" || SameOrigin(&u, k.Origin) {
		u.Scheme = k.Origin.Scheme
		u.Host = k.Origin.Host
	}
	u.Fragment = ""
	u.RawFragment = ""
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	return cache.Fingerprint{Method: method, URL: u.String()}
}

// Path returns the GET fingerprint of a path on the origin.
func (k Keyer) Path(path string) cache.Fingerprint {
	u := *k.Origin
	ref, err := url.Parse(path)
	if err != nil {
		u.Path = path
	} else {
		u = *k.Origin.ResolveReference(ref)
	}
	u.Fragment = ""
	return cache.Fingerprint{Method: http.MethodGet, URL: u.String()}
}

// Request generates a request equal to the request that resulted in the fingerprint.
// Only safe methods can be replayed.
func (k Keyer) Request(fp cache.Fingerprint) (*http.Request, error) {
	if fp.Method != http.MethodGet && fp.Method != http.MethodHead {
		return nil, fmt.Errorf("%w: %s", ErrorMethodNotSupported, fp.Method)
	}
	u, err := url.Parse(fp.URL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%w: %s", ErrMalformedKey, fp)
	}
	if !k.SameOrigin(u) {
		return nil, fmt.Errorf("%w: %s", ErrorOriginDoesNotMatch, fp)
	}
	return http.NewRequest(fp.Method, u.String(), nil)
}

// SameOrigin reports whether the URL is on the application origin.
// Relative URLs are always same-origin.
func (k Keyer) SameOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	return SameOrigin(u, k.Origin)
}

// SameOrigin reports whether two absolute URLs share scheme, host and port.
// A missing port is the default port of the scheme.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		port(a) == port(b)
}

func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}
