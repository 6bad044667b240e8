package lim

import (
	"net/netip"
	"strings"

	"github.com/pkg/errors"
	"github.com/ryanuber/go-glob"
)

// Matcher decides whether a client address belongs to a configured range.
type Matcher interface {
	Matches(addr string) bool
	String() string
}

// IPv4Range also covers single IPv4 addresses as a /32.
type IPv4Range struct{ prefix netip.Prefix }

// IPv6Range also covers single IPv6 addresses as a /128.
type IPv6Range struct{ prefix netip.Prefix }

// GlobPattern matches identifiers that are not IP addresses, such as tokens
// a fronting proxy puts into the traffic header. IP addresses never match a
// glob; use a CIDR range for those.
type GlobPattern struct{ pattern string }

func (r IPv4Range) Matches(addr string) bool {
	a, ok := parseAddr(addr)
	return ok && a.Is4() && r.prefix.Contains(a)
}

func (r IPv4Range) String() string { return r.prefix.String() }

func (r IPv6Range) Matches(addr string) bool {
	a, ok := parseAddr(addr)
	return ok && a.Is6() && r.prefix.Contains(a)
}

func (r IPv6Range) String() string { return r.prefix.String() }

func (g GlobPattern) Matches(addr string) bool {
	if _, ok := parseAddr(addr); ok {
		return false
	}
	return glob.Glob(g.pattern, strings.TrimSpace(addr))
}

func (g GlobPattern) String() string { return g.pattern }

func parseAddr(s string) (netip.Addr, bool) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

// ParseMatcher accepts CIDR ranges (IPv4 ranges may drop trailing zero
// octets, as in 10.10.10/24), single addresses and glob patterns.
func ParseMatcher(s string) (Matcher, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty range")
	}
	if strings.Contains(s, "/") {
		addr, bits, _ := strings.Cut(s, "/")
		if !strings.Contains(addr, ":") {
			for strings.Count(addr, ".") < 3 {
				addr += ".0"
			}
		}
		p, err := netip.ParsePrefix(addr + "/" + bits)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid range %q", s)
		}
		return rangeMatcher(p), nil
	}
	if a, ok := parseAddr(s); ok {
		return rangeMatcher(netip.PrefixFrom(a, a.BitLen())), nil
	}
	return GlobPattern{pattern: s}, nil
}

func rangeMatcher(p netip.Prefix) Matcher {
	p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()).Masked()
	if p.Addr().Is4() {
		return IPv4Range{prefix: p}
	}
	return IPv6Range{prefix: p}
}

func ParseMatchers(list []string) ([]Matcher, error) {
	out := make([]Matcher, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		m, err := ParseMatcher(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// MatchAny tries matchers in list order.
func MatchAny(ms []Matcher, addr string) bool {
	for _, m := range ms {
		if m.Matches(addr) {
			return true
		}
	}
	return false
}
