// Package urlnorm translates market-data request URLs between the direct
// upstream form, the same-origin proxy form and bare upstream-relative paths.
//
// Every function in this package is total: malformed or unrecognized input
// is passed through unchanged instead of producing an error.
package urlnorm

import (
	"errors"
	"net/url"
	"strings"
)

const (
	// DefaultUpstreamBase is the CoinGecko v3 API root.
	DefaultUpstreamBase = "https://api.coingecko.com/api/v3"

	// DefaultProxyEndpoint is the same-origin path served by the edge proxy.
	DefaultProxyEndpoint = "/api/cg"

	// PathParam carries the upstream-relative path in the proxy form.
	PathParam = "path"
)

var errNotAbsolute = errors.New("upstream base must be an absolute http(s) URL")

// upstreamPrefixes are the bare paths recognized as upstream API paths.
var upstreamPrefixes = []string{
	"/coins",
	"/simple/",
	"/global",
	"/search",
}

// Normalizer maps URLs between the three request forms.
type Normalizer struct {
	upstreamBase  string
	upstreamHost  string
	upstreamPath  string
	proxyEndpoint string
}

// New creates a Normalizer for the given upstream base URL
// (e.g. "https://api.coingecko.com/api/v3") and proxy endpoint path
// (e.g. "/api/cg"). Empty arguments fall back to the defaults.
func New(upstreamBase, proxyEndpoint string) (*Normalizer, error) {
	if upstreamBase == "" {
		upstreamBase = DefaultUpstreamBase
	}
	if proxyEndpoint == "" {
		proxyEndpoint = DefaultProxyEndpoint
	}

	base, err := url.Parse(strings.TrimRight(upstreamBase, "/"))
	if err != nil {
		return nil, err
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, &url.Error{Op: "parse", URL: upstreamBase, Err: errNotAbsolute}
	}
	if !strings.HasPrefix(proxyEndpoint, "/") {
		proxyEndpoint = "/" + proxyEndpoint
	}

	return &Normalizer{
		upstreamBase:  base.String(),
		upstreamHost:  strings.ToLower(base.Host),
		upstreamPath:  base.Path,
		proxyEndpoint: strings.TrimRight(proxyEndpoint, "/"),
	}, nil
}

// Default returns a Normalizer for the public CoinGecko API and /api/cg.
func Default() *Normalizer {
	n, _ := New(DefaultUpstreamBase, DefaultProxyEndpoint)
	return n
}

// UpstreamBase returns the normalized upstream root URL.
func (n *Normalizer) UpstreamBase() string { return n.upstreamBase }

// ProxyEndpoint returns the proxy endpoint path.
func (n *Normalizer) ProxyEndpoint() string { return n.proxyEndpoint }

// ToProxyForm rewrites a direct upstream URL or a recognized bare path into
// "<endpoint>?path=<upstream-path>&<query>". Input that already targets the
// proxy endpoint, and any unrecognized input, is returned unchanged.
func (n *Normalizer) ToProxyForm(raw string) string {
	if n.IsProxyForm(raw) {
		return raw
	}

	if isAbsolute(raw) {
		u, err := url.Parse(raw)
		if err != nil || !n.isUpstreamHost(u.Host) {
			return raw
		}
		rel, ok := n.trimUpstreamPath(u.Path)
		if !ok {
			return raw
		}
		return n.buildProxy(rel, u.Query())
	}

	if strings.HasPrefix(raw, "/") {
		u, err := url.Parse(raw)
		if err != nil {
			return raw
		}
		rel := u.Path
		if trimmed, ok := n.trimUpstreamPath(rel); ok {
			rel = trimmed
		}
		if !looksLikeUpstream(rel) {
			return raw
		}
		return n.buildProxy(rel, u.Query())
	}

	return raw
}

// ToDirectForm is the inverse of ToProxyForm: a proxied URL becomes the full
// upstream URL with the path parameter moved back into the URL path and all
// other parameters preserved. Absolute non-proxy URLs are returned unchanged.
func (n *Normalizer) ToDirectForm(raw string) string {
	if n.IsProxyForm(raw) {
		u, err := url.Parse(raw)
		if err != nil {
			return raw
		}
		q := u.Query()
		path := q.Get(PathParam)
		q.Del(PathParam)
		return n.buildDirect(path, q)
	}

	if isAbsolute(raw) {
		return raw
	}

	if strings.HasPrefix(raw, "/") {
		u, err := url.Parse(raw)
		if err != nil {
			return raw
		}
		rel, ok := n.trimUpstreamPath(u.Path)
		if !ok {
			if !looksLikeUpstream(u.Path) {
				return raw
			}
			rel = u.Path
		}
		return n.buildDirect(rel, u.Query())
	}

	return raw
}

// IsProxyForm reports whether raw targets the proxy endpoint, either as a
// same-origin relative URL or as an absolute URL on a non-upstream host.
func (n *Normalizer) IsProxyForm(raw string) bool {
	if strings.HasPrefix(raw, "/") {
		rest, ok := strings.CutPrefix(raw, n.proxyEndpoint)
		return ok && (rest == "" || rest[0] == '?' || rest[0] == '#')
	}
	if !isAbsolute(raw) {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || n.isUpstreamHost(u.Host) {
		return false
	}
	return strings.TrimRight(u.Path, "/") == n.proxyEndpoint
}

// Resolve joins a same-origin URL onto origin (e.g. "http://localhost:8080").
// Absolute URLs are returned unchanged.
func Resolve(origin, raw string) string {
	if isAbsolute(raw) || origin == "" {
		return raw
	}
	return strings.TrimRight(origin, "/") + raw
}

// StripOrigin is the inverse of Resolve: an absolute URL on origin's scheme
// and host becomes its same-origin relative form. Anything else is returned
// unchanged.
func StripOrigin(origin, raw string) string {
	if origin == "" || !isAbsolute(raw) {
		return raw
	}
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Scheme, o.Scheme) || !strings.EqualFold(u.Host, o.Host) {
		return raw
	}
	rel := u.EscapedPath()
	if rel == "" {
		rel = "/"
	}
	if u.RawQuery != "" {
		rel += "?" + u.RawQuery
	}
	return rel
}

func (n *Normalizer) buildProxy(rel string, q url.Values) string {
	q.Del(PathParam)

	var b strings.Builder
	b.WriteString(n.proxyEndpoint)
	b.WriteString("?")
	b.WriteString(PathParam)
	b.WriteString("=")
	b.WriteString(escapePath(rel))
	if len(q) > 0 {
		b.WriteString("&")
		b.WriteString(q.Encode())
	}
	return b.String()
}

func (n *Normalizer) buildDirect(rel string, q url.Values) string {
	if rel != "" && !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	s := n.upstreamBase + rel
	if len(q) > 0 {
		s += "?" + q.Encode()
	}
	return s
}

// trimUpstreamPath strips the upstream base path (e.g. "/api/v3") from p.
func (n *Normalizer) trimUpstreamPath(p string) (string, bool) {
	if n.upstreamPath == "" {
		return p, strings.HasPrefix(p, "/")
	}
	rest, ok := strings.CutPrefix(p, n.upstreamPath)
	if !ok || !strings.HasPrefix(rest, "/") {
		return "", false
	}
	return rest, true
}

func (n *Normalizer) isUpstreamHost(host string) bool {
	return strings.EqualFold(host, n.upstreamHost)
}

func looksLikeUpstream(p string) bool {
	for _, prefix := range upstreamPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func isAbsolute(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

// escapePath query-escapes p but keeps slashes readable.
func escapePath(p string) string {
	return strings.ReplaceAll(url.QueryEscape(p), "%2F", "/")
}
