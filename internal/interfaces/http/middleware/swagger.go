package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SwaggerConfig controls access to the API documentation endpoint
type SwaggerConfig struct {
	Enabled     bool     // Serve documentation at all
	RequireAuth bool     // Require a valid JWT to view it
	AllowedIPs  []string // IP allowlist, CIDR or single addresses; empty allows all
}

// ipAllowlist is a parsed IP/CIDR allowlist
type ipAllowlist struct {
	ips  []net.IP
	nets []*net.IPNet
}

func parseAllowlist(entries []string) ipAllowlist {
	var list ipAllowlist
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil {
				list.nets = append(list.nets, network)
			}
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			list.ips = append(list.ips, ip)
		}
	}
	return list
}

func (l ipAllowlist) empty() bool {
	return len(l.ips) == 0 && len(l.nets) == 0
}

func (l ipAllowlist) contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, allowed := range l.ips {
		if allowed.Equal(ip) {
			return true
		}
	}
	for _, network := range l.nets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// SwaggerProtection guards the documentation routes. Disabled docs 404
// so the deployment does not advertise their existence; an IP
// allowlist and a JWT requirement can be combined.
func SwaggerProtection(cfg SwaggerConfig, jwtMiddleware gin.HandlerFunc) gin.HandlerFunc {
	allowlist := parseAllowlist(cfg.AllowedIPs)

	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "API documentation is not available",
			})
			return
		}

		if !allowlist.empty() && !allowlist.contains(clientIP(c)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Access to API documentation is restricted",
			})
			return
		}

		if cfg.RequireAuth && jwtMiddleware != nil {
			jwtMiddleware(c)
			if c.IsAborted() {
				return
			}
		}

		c.Next()
	}
}

// clientIP resolves the caller's IP, preferring gin's trusted-proxy
// aware resolution over the raw remote address
func clientIP(c *gin.Context) net.IP {
	if resolved := c.ClientIP(); resolved != "" {
		if ip := net.ParseIP(resolved); ip != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	return net.ParseIP(host)
}
