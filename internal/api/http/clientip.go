package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/seancfoley/ipaddress-go/ipaddr"
)

// ClientIP returns the client address reported by the edge proxy:
// CF-Connecting-IP, else the first X-Forwarded-For entry. Values that do not
// parse as a single IP address are dropped.
func ClientIP(r *http.Request) *string {
	if ip := normalizeIP(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return &ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := normalizeIP(first); ip != "" {
			return &ip
		}
	}
	return nil
}

func normalizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	addr, err := ipaddr.NewIPAddressString(raw).ToAddress()
	if err != nil || addr == nil || addr.IsPrefixed() {
		return ""
	}
	return addr.ToCanonicalString()
}

// Country returns the edge-reported country code, if any.
func Country(r *http.Request) *string {
	return headerValue(r, "CF-IPCountry")
}

// Colo returns the edge data center from the CF-Ray suffix, if any.
func Colo(r *http.Request) *string {
	ray := r.Header.Get("CF-Ray")
	i := strings.LastIndexByte(ray, '-')
	if i < 0 || i == len(ray)-1 {
		return nil
	}
	colo := ray[i+1:]
	return &colo
}

func headerValue(r *http.Request, name string) *string {
	v := strings.TrimSpace(r.Header.Get(name))
	if v == "" {
		return nil
	}
	return &v
}

// requestHostname returns the Host header without its port.
func requestHostname(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// tenantHost returns the ?host= override, else the request hostname.
func tenantHost(r *http.Request) string {
	if h := r.URL.Query().Get("host"); h != "" {
		return h
	}
	return requestHostname(r)
}
