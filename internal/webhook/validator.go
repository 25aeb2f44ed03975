package webhook

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrInvalidScheme    = errors.New("only HTTPS allowed")
	ErrEmptyHost        = errors.New("URL must have a host")
	ErrLocalhostBlocked = errors.New("localhost not allowed")
	ErrPrivateIP        = errors.New("private IP addresses not allowed")
	ErrInvalidPort      = errors.New("only port 443 allowed")
)

// blockedPrefixes are never valid webhook targets: loopback, RFC 1918,
// CGNAT, link-local (cloud metadata lives there) and IPv6 ULA.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

const lookupTimeout = 3 * time.Second

// ValidationOptions relaxes target checks.
type ValidationOptions struct {
	// AllowInsecure accepts plain HTTP, loopback and private targets on any
	// port. Local development only.
	AllowInsecure bool
}

// ValidateTargetURL applies the SSRF rules to a webhook target: HTTPS, port
// 443, and a host that neither is nor resolves to a blocked address. Hosts
// that do not resolve yet are accepted; the delivery dialer checks again.
func ValidateTargetURL(ctx context.Context, target string, opts ValidationOptions) error {
	u, err := url.Parse(target)
	if err != nil {
		return ErrInvalidURL
	}
	if u.Scheme != "https" && (u.Scheme != "http" || !opts.AllowInsecure) {
		return ErrInvalidScheme
	}
	host := u.Hostname()
	if host == "" {
		return ErrEmptyHost
	}
	if opts.AllowInsecure {
		return nil
	}
	if port := u.Port(); port != "" && port != "443" {
		return ErrInvalidPort
	}
	if isLocalName(host) {
		return ErrLocalhostBlocked
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr) {
			return ErrPrivateIP
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if isBlockedAddr(addr) {
			return ErrPrivateIP
		}
	}
	return nil
}

func isLocalName(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local")
}

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// targetHost is the only part of a target URL that is logged; paths and
// query strings may carry tokens.
func targetHost(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "(invalid)"
	}
	return u.Host
}
