// Package security checks the endpoints the cube is configured to call
// before any request is sent to them.
package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrEndpointRejected = errors.New("endpoint rejected")

// EndpointPolicy says which endpoints are acceptable. HTTPS to a public
// host is always allowed.
type EndpointPolicy struct {
	AllowHTTP          bool
	AllowLocalNetworks bool
}

var (
	// HomeNetwork fits a Home Assistant instance on the installation's LAN.
	HomeNetwork = EndpointPolicy{AllowHTTP: true, AllowLocalNetworks: true}
	// PublicAPI fits a hosted model provider.
	PublicAPI = EndpointPolicy{}
)

// ParseEndpoint parses raw, checks it against p and returns it without a
// trailing slash.
func ParseEndpoint(raw string, p EndpointPolicy) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.Wrap(ErrEndpointRejected, "empty url")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, errors.Wrapf(ErrEndpointRejected, "invalid url: %v", err)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return nil, errors.Wrapf(ErrEndpointRejected, "plain http to %s", u.Host)
		}
	default:
		return nil, errors.Wrapf(ErrEndpointRejected, "scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, errors.Wrap(ErrEndpointRejected, "missing host")
	}
	if !p.AllowLocalNetworks && isLocalName(host) {
		return nil, errors.Wrapf(ErrEndpointRejected, "local host %q", host)
	}

	// only literal addresses are checked; names are not resolved
	if addr, err := netip.ParseAddr(host); err == nil {
		if err := checkAddr(addr, p); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func isLocalName(host string) bool {
	return host == "localhost" ||
		strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".lan")
}

func checkAddr(addr netip.Addr, p EndpointPolicy) error {
	if addr.Zone() != "" && !p.AllowLocalNetworks {
		return errors.Wrapf(ErrEndpointRejected, "zoned address %s", addr)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return errors.Wrapf(ErrEndpointRejected, "address %s", addr)
	}
	if p.AllowLocalNetworks {
		return nil
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return errors.Wrapf(ErrEndpointRejected, "local address %s", addr)
	}
	return nil
}
