package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/teocoin/settlement/internal/errs"
)

// blockedHosts are internal names that never resolve to a subscriber.
var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL checks that a subscriber URL is safe for the server
// to call. Private, loopback, link-local and unspecified addresses are
// rejected, both as literals and after DNS resolution. Failures wrap
// errs.ErrInvalidRequest.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", errs.ErrInvalidRequest)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https: %w", errs.ErrInvalidRequest)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host: %w", errs.ErrInvalidRequest)
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed: %w", host, errs.ErrInvalidRequest)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host %s: %w", host, errs.ErrInvalidRequest)
	}
	for _, ipStr := range ips {
		if resolved := net.ParseIP(ipStr); resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed: %w", errs.ErrInvalidRequest)
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed: %w", errs.ErrInvalidRequest)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed: %w", errs.ErrInvalidRequest)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed: %w", errs.ErrInvalidRequest)
	}
	return nil
}
