package extract

import (
	"fmt"
	"net/url"
	"strings"
)

// Site describes the source site whose pages and redirection endpoints are "same-site".
type Site struct {
	base *url.URL
}

// NewSite parses the site's base URL.
func NewSite(baseURL string) (Site, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return Site{}, fmt.Errorf("parse site url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Site{}, fmt.Errorf("site url %q must be absolute", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return Site{base: u}, nil
}

// Base returns the base URL without a trailing slash.
func (s Site) Base() string {
	if s.base == nil {
		return ""
	}
	return s.base.String()
}

// Host returns the site's hostname.
func (s Site) Host() string {
	if s.base == nil {
		return ""
	}
	return s.base.Hostname()
}

// SameSite reports whether raw is hosted on the source site (ignoring a www. prefix).
func (s Site) SameSite(raw string) bool {
	if s.base == nil {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return bareHost(u.Hostname()) == bareHost(s.base.Hostname())
}

// IsExternal reports whether raw lives on another host and carries no redirection marker.
func (s Site) IsExternal(raw string) bool {
	u, ok := parseHTTP(raw)
	if !ok {
		return false
	}
	return !s.SameSite(raw) && !hasRedirectMarker(u)
}

// RedirectURL builds the query-addressed redirection endpoint for a player option.
func (s Site) RedirectURL(option, post, kind string) string {
	q := url.Values{}
	q.Set("trembed", option)
	q.Set("trid", post)
	q.Set("trtype", trType(kind))
	return s.Base() + "/?" + q.Encode()
}

func trType(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "movie", "1":
		return "1"
	default:
		return "2"
	}
}

// Absolute resolves ref against page. It returns "" for non-http(s) or blob references.
func Absolute(page, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "blob:") || strings.HasPrefix(ref, "data:") ||
		strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "#") {
		return ""
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if !refURL.IsAbs() {
		base, err := url.Parse(page)
		if err != nil {
			return ""
		}
		refURL = base.ResolveReference(refURL)
	}
	if refURL.Scheme != "http" && refURL.Scheme != "https" {
		return ""
	}
	refURL.Fragment = ""
	return refURL.String()
}

func bareHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
