// Package safeurl decides whether a URL may be fetched from the server side.
// Cover URLs come from third parties (search APIs, feeds, LLM answers), so a
// naive fetch would let anyone point us at internal services. Every fetch goes
// through Validator.Check first, and the HTTP dialer re-checks the peer address.
package safeurl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// ErrBlocked is the parent of every rejection reason below.
// Callers check with errors.Is(err, safeurl.ErrBlocked).
var ErrBlocked = errors.New("url blocked")

var (
	ErrMalformed      = fmt.Errorf("%w: malformed url", ErrBlocked)
	ErrInsecureScheme = fmt.Errorf("%w: scheme must be https", ErrBlocked)
	ErrHostNotAllowed = fmt.Errorf("%w: host not in allowlist", ErrBlocked)
	ErrResolveFailed  = fmt.Errorf("%w: host did not resolve", ErrBlocked)
	ErrPrivateAddress = fmt.Errorf("%w: host resolves to a non-public address", ErrBlocked)
)

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// reservedPrefixes is checked in addition to netip's classification helpers,
// so the verdict does not depend on how the platform treats mapped addresses.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
}

var reservedTextPrefixes = []string{"0.", "10.", "127.", "169.254.", "192.168."}

// Validator classifies URLs as fetchable or blocked. It keeps no verdict
// cache: DNS answers for a hostile host can change between two calls.
type Validator struct {
	allowedHosts []string
	resolver     Resolver
}

// NewValidator creates a Validator for the given host allowlist.
// A nil resolver means net.DefaultResolver.
func NewValidator(allowedHosts []string, resolver Resolver) *Validator {
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(h), "."))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Validator{allowedHosts: hosts, resolver: resolver}
}

// IsAllowed reports whether rawURL passes every check.
func (v *Validator) IsAllowed(ctx context.Context, rawURL string) bool {
	return v.Check(ctx, rawURL) == nil
}

// Check returns nil when rawURL may be fetched, or an error wrapping ErrBlocked
// that names the failed rule. Resolution failures reject; nothing fails open.
func (v *Validator) Check(ctx context.Context, rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ErrMalformed
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: got %q", ErrInsecureScheme, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: userinfo not allowed", ErrMalformed)
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrMalformed)
	}
	if !v.hostAllowed(host) {
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}

	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrResolveFailed, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s: no addresses", ErrResolveFailed, host)
	}
	for _, a := range addrs {
		if BlockedIP(a.IP) {
			return fmt.Errorf("%w: %s -> %s", ErrPrivateAddress, host, a.IP)
		}
	}
	return nil
}

// hostAllowed matches the host exactly or as a subdomain of an allowed host.
func (v *Validator) hostAllowed(host string) bool {
	for _, allowed := range v.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// BlockedIP reports whether ip is loopback, link-local, private, unspecified,
// multicast or inside one of the reserved ranges. Unparseable input is blocked.
func BlockedIP(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return true
	}
	addr = addr.Unmap()

	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsPrivate() || addr.IsUnspecified() || addr.IsMulticast() {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	text := addr.String()
	for _, prefix := range reservedTextPrefixes {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}

// DialControl is a net.Dialer Control hook that refuses to connect to a
// blocked peer. It closes the gap between Check's DNS lookup and the lookup
// the HTTP transport performs when it dials.
func DialControl(_ string, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || BlockedIP(ip) {
		return fmt.Errorf("%w: dial %s", ErrPrivateAddress, host)
	}
	return nil
}
