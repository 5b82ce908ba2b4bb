package decision

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ParseAndSanitize parses an IP or CIDR string and returns the canonical form.
// IPv4-mapped IPv6 addresses are reduced to plain IPv4 and CIDRs are masked
// to their network address.
func ParseAndSanitize(value string) (string, bool, error) {
	value = strings.TrimSpace(value)

	if strings.Contains(value, "/") {
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return "", false, fmt.Errorf("invalid CIDR %q: %w", value, err)
		}
		return prefix.Masked().String(), true, nil
	}

	addr, err := netip.ParseAddr(value)
	if err != nil {
		return "", false, fmt.Errorf("invalid IP address %q", value)
	}
	return addr.Unmap().WithZone("").String(), false, nil
}

// HostOnly strips any port from a RemoteAddr-style "host:port" string and
// returns the canonical address. Values that are not IP literals are returned
// trimmed but otherwise untouched so callers can still key on them.
func HostOnly(remoteAddr string) string {
	host := strings.TrimSpace(remoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if canon, isCIDR, err := ParseAndSanitize(host); err == nil && !isCIDR {
		return canon
	}
	return host
}

func parseAddrOrPrefix(value string) (netip.Addr, bool) {
	if strings.Contains(value, "/") {
		p, err := netip.ParsePrefix(value)
		if err != nil {
			return netip.Addr{}, false
		}
		return p.Addr(), true
	}
	a, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, false
	}
	return a, true
}

// IsIPv6 returns true if the string is an IPv6 address or CIDR.
func IsIPv6(value string) bool {
	a, ok := parseAddrOrPrefix(value)
	if !ok {
		return false
	}
	return !a.Unmap().Is4()
}

// IsPrivate returns true if the IP/CIDR is RFC1918, loopback, link-local, CGNAT or ULA.
func IsPrivate(value string) bool {
	a, ok := parseAddrOrPrefix(value)
	if !ok {
		return false
	}
	a = a.Unmap()
	for _, block := range privateBlocks {
		if block.Contains(a) {
			return true
		}
	}
	return false
}

var privateBlocks = func() []netip.Prefix {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10", // CGNAT (RFC 6598)
		"::1/128",
		"fe80::/10",
		"fc00::/7",
		"100::/64", // discard-only
	}
	blocks := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		blocks = append(blocks, netip.MustParsePrefix(cidr))
	}
	return blocks
}()

// Allowlist is a set of networks that are never evaluated by the access gate
// and never flagged by the reputation feed.
type Allowlist []netip.Prefix

// ParseAllowlist parses a slice of IP/CIDR strings. Bare IPs become /32 or /128.
func ParseAllowlist(entries []string) (Allowlist, error) {
	result := make(Allowlist, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			a, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist entry %q", e)
			}
			a = a.Unmap()
			result = append(result, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist CIDR %q: %w", e, err)
		}
		result = append(result, p.Masked())
	}
	return result, nil
}

// Contains reports whether ip (or the network address of a CIDR) falls inside
// any allowlisted network.
func (l Allowlist) Contains(ip string) bool {
	if len(l) == 0 {
		return false
	}
	a, ok := parseAddrOrPrefix(strings.TrimSpace(ip))
	if !ok {
		return false
	}
	a = a.Unmap()
	for _, p := range l {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
