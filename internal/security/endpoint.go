package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Hostnames that must never be dialed from the server regardless of what
// they resolve to.
var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"metadata.google":          {},
	"metadata.google.internal": {},
}

// ValidateEndpointURL rejects URLs that would let a configured endpoint
// (advisor, RPC node) point the server at internal infrastructure. Checks
// the scheme, a hostname blocklist, and the address class of both IP
// literals and every DNS-resolved address.
func ValidateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed, use http or https", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if _, bad := blockedHosts[strings.ToLower(host)]; bad {
		return fmt.Errorf("host %q not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return routableIP(ip)
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("host %q does not resolve", host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := routableIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to %s: %w", host, a, err)
			}
		}
	}
	return nil
}

func routableIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private address not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address not allowed")
	}
	return nil
}
