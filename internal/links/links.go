// Package links extracts and normalizes Terabox-family share links. The
// conversion service only accepts the terabox.com spelling, so every known
// alternate domain is rewritten to it before a link is used as a dedup key
// or sent upstream.
package links

import (
	"net/url"
	"regexp"
	"strings"
)

// CanonicalHost is the only host spelling the conversion service accepts.
const CanonicalHost = "terabox.com"

// alternateHosts are the known mirror spellings, all rewritten to
// CanonicalHost. Matching is by suffix so subdomains are covered.
var alternateHosts = []string{
	"1024terabox.com",
	"teraboxapp.com",
	"nephobox.com",
	"4funbox.com",
	"mirrobox.com",
	"momerybox.com",
	"teraboxlink.com",
	"terasharelink.com",
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// IsTeraboxLink reports whether raw parses as a URL on the canonical host or
// one of the known alternates.
func IsTeraboxLink(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	host := normalizeHost(u.Host)
	if hostMatches(host, CanonicalHost) {
		return true
	}
	for _, alt := range alternateHosts {
		if hostMatches(host, alt) {
			return true
		}
	}
	return false
}

// Normalize rewrites a Terabox-family link to the canonical host, preserving
// scheme, path, query, and fragment. The second return is false when raw is
// not a recognized Terabox link.
func Normalize(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}

	host := normalizeHost(u.Host)
	if hostMatches(host, CanonicalHost) {
		u.Host = CanonicalHost
		return u.String(), true
	}
	for _, alt := range alternateHosts {
		if hostMatches(host, alt) {
			u.Host = CanonicalHost
			return u.String(), true
		}
	}
	return "", false
}

// Match pairs a link as it appeared in the text with its canonical form.
type Match struct {
	Raw       string
	Canonical string
}

// Extract returns every Terabox-family link found in text, in order of
// appearance. Links collapsing to the same canonical form are deduplicated;
// the first spelling wins.
func Extract(text string) []Match {
	var out []Match
	seen := make(map[string]struct{})
	for _, raw := range urlPattern.FindAllString(text, -1) {
		raw = strings.TrimRight(raw, ".,;)")
		canonical, ok := Normalize(raw)
		if !ok {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, Match{Raw: raw, Canonical: canonical})
	}
	return out
}

func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}

// hostMatches reports whether host is domain itself or a subdomain of it.
func hostMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
