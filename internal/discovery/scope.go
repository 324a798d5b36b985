// internal/discovery/scope.go
package discovery

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Scope bounds a discovery to one site. Sitemap files routinely point at
// CDN hosts and tracking domains; everything outside the site's registrable
// domain is dropped before classification.
type Scope struct {
	rootDomain        string
	includeSubdomains bool
}

// NewScope derives the scope from the site URL. The Public Suffix List
// resolves the registrable domain, so "shop.example.co.uk" scopes to
// "example.co.uk" rather than "co.uk".
func NewScope(site string, includeSubdomains bool) (*Scope, error) {
	u, err := url.Parse(site)
	if err != nil {
		return nil, fmt.Errorf("parsing site URL: %w", err)
	}
	hostname := u.Hostname()
	if hostname == "" {
		return nil, fmt.Errorf("site URL has no hostname: %s", site)
	}

	// IP and single-label hosts have no registrable domain; the scope is
	// the host itself.
	if net.ParseIP(hostname) != nil || !strings.Contains(hostname, ".") {
		return &Scope{rootDomain: hostname, includeSubdomains: includeSubdomains}, nil
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(hostname)
	if err != nil {
		return nil, fmt.Errorf("determining registrable domain of %s: %w", hostname, err)
	}

	return &Scope{
		rootDomain:        domain,
		includeSubdomains: includeSubdomains,
	}, nil
}

// Contains reports whether the URL belongs to the scoped site.
func (s *Scope) Contains(u *url.URL) bool {
	host := u.Hostname()
	if host == s.rootDomain {
		return true
	}
	// The dot prefix keeps "notexample.com" from passing as a subdomain
	// of "example.com".
	return s.includeSubdomains && strings.HasSuffix(host, "."+s.rootDomain)
}

// RootDomain returns the registrable domain defining the scope.
func (s *Scope) RootDomain() string {
	return s.rootDomain
}
