package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/netip"
)

// RedactIP keeps the /24 of an IPv4 and the /32 of an IPv6 address. Anything
// else, such as a proxy supplied token, is reduced to a short hash.
func RedactIP(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	addr = addr.Unmap()
	bits := 32
	if addr.Is4() {
		bits = 24
	}
	prefix, _ := addr.Prefix(bits)
	return prefix.Addr().String()
}

func RedactToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "[TOKEN-REDACTED]"
	}
	return token[:4] + "..." + token[len(token)-4:] + "[REDACTED]"
}
