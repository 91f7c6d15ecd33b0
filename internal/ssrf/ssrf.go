// Package ssrf validates upstream URLs before the gateway dials them.
//
// PDS URLs come out of identity resolution, which means they are ultimately
// attacker-influenced. Anything resolving into private, loopback, link-local
// or otherwise non-routable space is rejected before a single byte leaves the
// process. This is an input validator only; it does not protect against DNS
// rebinding between validation and connect.
package ssrf

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/catbird-blue/nest/internal/apperror"
)

// Guard validates upstream URLs. AllowLocal admits http://localhost-family
// targets for development setups.
type Guard struct {
	AllowLocal bool
}

// ValidateURL checks that raw is a safe https URL (or, with AllowLocal, an
// http localhost URL). Returns a BadRequest application error on rejection.
func (g Guard) ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return apperror.BadRequest(fmt.Sprintf("Invalid PDS URL: %v", err))
	}

	scheme := parsed.Scheme
	isHTTP := scheme == "http"
	isHTTPS := scheme == "https"
	if !isHTTP && !isHTTPS {
		return apperror.BadRequest(fmt.Sprintf("Invalid PDS URL: scheme %q not allowed", scheme))
	}

	host := parsed.Hostname()
	if host == "" {
		return apperror.BadRequest("Invalid PDS URL: no host specified")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isRestrictedAddr(addr) {
			return apperror.BadRequest("Invalid PDS URL: private network not allowed")
		}
	} else if isLocalhostName(strings.ToLower(host)) {
		if g.AllowLocal && isHTTP {
			return nil
		}
		return apperror.BadRequest("Invalid PDS URL: localhost not allowed")
	}

	// HTTP is only ever admitted for localhost names above.
	if isHTTP {
		return apperror.BadRequest("Invalid PDS URL: HTTPS required")
	}

	return nil
}

// isRestrictedAddr reports whether the address sits in a range the gateway
// must never dial: loopback, RFC1918, link-local, unique-local, CGNAT,
// TEST-NET, broadcast, unspecified, and IPv4-mapped IPv6 covering any of
// those.
func isRestrictedAddr(addr netip.Addr) bool {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.Is4() {
		return isRestrictedV4(addr)
	}
	return isRestrictedV6(addr)
}

func isRestrictedV4(addr netip.Addr) bool {
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() || addr.IsPrivate() {
		return true
	}

	o := addr.As4()

	// Broadcast: 255.255.255.255
	if o == [4]byte{255, 255, 255, 255} {
		return true
	}

	// Carrier-grade NAT: 100.64.0.0/10
	if o[0] == 100 && o[1] >= 64 && o[1] <= 127 {
		return true
	}

	// Documentation ranges (TEST-NET-1/2/3)
	if (o[0] == 192 && o[1] == 0 && o[2] == 2) ||
		(o[0] == 198 && o[1] == 51 && o[2] == 100) ||
		(o[0] == 203 && o[1] == 0 && o[2] == 113) {
		return true
	}

	return false
}

func isRestrictedV6(addr netip.Addr) bool {
	if addr.IsLoopback() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return true
	}

	// Unique local addresses: fc00::/7
	b := addr.As16()
	return b[0]&0xfe == 0xfc
}

// isLocalhostName reports whether a domain hostname is a localhost variant.
func isLocalhostName(host string) bool {
	return host == "localhost" ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".local")
}
