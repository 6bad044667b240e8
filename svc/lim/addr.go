package lim

import (
	"net"
	"net/http"
	"strings"

	"cipherbin/svc/util"

	"github.com/pkg/errors"
)

// HeaderName turns a TRAFFIC_HEADER value such as X_FORWARDED_FOR into its
// canonical HTTP form.
func HeaderName(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "HTTP_")
	return http.CanonicalHeaderKey(strings.ReplaceAll(s, "_", "-"))
}

// ClientAddress resolves the address the traffic limiter keys on. A
// configured header wins when the request carries it; otherwise the address
// comes from GetRealIP.
func ClientAddress(r *http.Request, header string, trustedProxies []string) string {
	if header != "" {
		if v := strings.TrimSpace(r.Header.Get(HeaderName(header))); v != "" {
			return v
		}
	}
	return GetRealIP(r, trustedProxies)
}

func ValidateProxies(trustedProxies []string) error {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return errors.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	return nil
}

// GetRealIP walks X-Forwarded-For from the right and returns the first hop
// that is not a trusted proxy. Without trusted proxies the peer address is
// used as is.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 {
		return remoteIP
	}
	if !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}

	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff

	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		lastComma := strings.LastIndexByte(remaining, ',')

		var ipStr string
		if lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++

		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}

	if parsedCount >= maxIPsToParse {
		util.Warn().Int("parsed", parsedCount).Str("remote", util.RedactIP(remoteIP)).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil {
				parsedIP := net.ParseIP(ip)
				if parsedIP != nil && subnet.Contains(parsedIP) {
					return true
				}
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
