package security

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ParseCIDRAllowlist parses comma separated CIDRs. A bare address is taken
// as a single-host network.
func ParseCIDRAllowlist(list string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, cidr := range strings.Split(list, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, fmt.Errorf("invalid allowlist address %q", cidr)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func IPAllowlist(allow []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(allow) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				WriteJSONError(w, r, http.StatusForbidden, "forbidden")
				return
			}

			ip := net.ParseIP(host)
			if ip == nil {
				WriteJSONError(w, r, http.StatusForbidden, "forbidden")
				return
			}

			for _, n := range allow {
				if n.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}

			WriteJSONError(w, r, http.StatusForbidden, "forbidden")
		})
	}
}
