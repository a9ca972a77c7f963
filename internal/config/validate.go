package config

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// Validate checks every invariant in spec section 3 against the document.
// It also normalizes the document in place: hosts are lowercased, path
// prefixes gain exactly one leading slash and lose any trailing slash, and
// an empty path is treated as the "no prefix" sentinel.
func (d *Document) Validate() error {
	needsEmail := false

	for key, route := range d.Routes {
		if route.Host == "" {
			route.Host = "localhost"
		}
		if route.Port <= 0 || route.Port > 65535 {
			return &InvariantViolationError{Reason: fmt.Sprintf("route %q: port must be between 1 and 65535", key)}
		}
		route.Path = strings.TrimSuffix(route.Path, "/")

		if route.ListenPort != nil {
			lp := *route.ListenPort
			if lp <= 0 || lp > 65535 {
				return &InvariantViolationError{Reason: fmt.Sprintf("route %q: listen_port must be between 1 and 65535", key)}
			}
			if lp == 80 || lp == 443 {
				return &PortReservedError{Port: lp}
			}
		}

		if route.SSLEnable {
			needsEmail = true
		}

		seen := make(map[string]bool, len(route.Subroutes))
		for i, sr := range route.Subroutes {
			if sr.Path == "" {
				return &InvariantViolationError{Reason: fmt.Sprintf("route %q: subroute path_prefix must not be empty", key)}
			}
			if sr.Port <= 0 || sr.Port > 65535 {
				return &InvariantViolationError{Reason: fmt.Sprintf("route %q: subroute port must be between 1 and 65535", key)}
			}
			p := normalizePrefix(sr.Path)
			route.Subroutes[i].Path = p
			if seen[p] {
				return &InvariantViolationError{Reason: fmt.Sprintf("route %q: duplicate subroute prefix %q", key, p)}
			}
			seen[p] = true
		}

		if err := validateRouteKey(key); err != nil {
			return err
		}
	}

	if needsEmail && strings.TrimSpace(d.Email) == "" {
		return &InvariantViolationError{Reason: "email is required when any route has ssl_enable=true"}
	}

	// Normalize route keys to lowercase; map keys can't be renamed in
	// place, so rebuild. Invariant 1 (uniqueness) holds automatically
	// once normalized keys are checked for collisions.
	normalized := make(map[string]*RouteEntry, len(d.Routes))
	for key, route := range d.Routes {
		lower := strings.ToLower(key)
		if _, dup := normalized[lower]; dup {
			return &InvariantViolationError{Reason: fmt.Sprintf("route key %q collides with another key after case-folding", key)}
		}
		normalized[lower] = route
	}
	d.Routes = normalized

	return nil
}

// validateRouteKey checks that key is either a literal DNS host or a
// single leftmost-label wildcard, per the Route key glossary entry.
func validateRouteKey(key string) error {
	host := key
	if strings.HasPrefix(key, "*.") {
		host = key[2:]
		if host == "" {
			return &InvariantViolationError{Reason: fmt.Sprintf("route key %q: wildcard must have a suffix", key)}
		}
	}
	if _, err := idna.Lookup.ToASCII(host); err != nil {
		return &InvariantViolationError{Reason: fmt.Sprintf("route key %q: invalid hostname: %v", key, err)}
	}
	return nil
}

// normalizePrefix ensures a non-empty subroute path has exactly one
// leading slash and no trailing slash.
func normalizePrefix(p string) string {
	p = "/" + strings.TrimLeft(p, "/")
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
