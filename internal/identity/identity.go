// Package identity derives the per-request client identity from proxy headers.
package identity

import (
	"net/http"
	"strings"
)

// Unknown is returned when no address header is present.
const Unknown = "unknown"

// Address headers, highest precedence first.
const (
	HeaderEdgeIP       = "CF-Connecting-IP"
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
)

// ClientIdentity pairs the resolved network address (the throttling key) with
// the client-chosen fingerprint (the ban and audit key). The two are
// independent and the fingerprint is never proof of anything.
type ClientIdentity struct {
	Address     string
	Fingerprint string
}

// Resolve returns a best-effort client address. The left-most
// X-Forwarded-For entry is trusted by convention and is spoofable. Values are
// not validated and pass through as opaque keys.
func Resolve(h http.Header) string {
	if v := strings.TrimSpace(h.Get(HeaderEdgeIP)); v != "" {
		return v
	}
	if v := h.Get(HeaderForwardedFor); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if v := strings.TrimSpace(h.Get(HeaderRealIP)); v != "" {
		return v
	}
	return Unknown
}

// FromHeaders builds a ClientIdentity from request headers and an optional
// fingerprint.
func FromHeaders(h http.Header, fingerprint string) ClientIdentity {
	return ClientIdentity{
		Address:     Resolve(h),
		Fingerprint: strings.TrimSpace(fingerprint),
	}
}

// FromRequest is FromHeaders over r.Header.
func FromRequest(r *http.Request, fingerprint string) ClientIdentity {
	return FromHeaders(r.Header, fingerprint)
}
