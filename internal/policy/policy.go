// Package policy enforces the outbound network rules for workflow HTTP
// calls: scheme and host allow-lists, private-address rejection at dial
// time, redirect re-checks, and body size caps.
package policy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/ronappleton/arazzo-runner/internal/runerr"
)

const DefaultMaxBodyBytes = 10 << 20

// Config is the network policy for one run. Hosts must be allow-listed
// explicitly; an empty list denies everything.
type Config struct {
	AllowedSchemes []string      `yaml:"allowed_schemes"`
	AllowedHosts   []string      `yaml:"allowed_hosts"`
	DenyPrivateIPs bool          `yaml:"deny_private_ips"`
	FollowRedirects bool         `yaml:"follow_redirects"`
	MaxRedirects   int           `yaml:"max_redirects"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RedactHeaders  []string      `yaml:"redact_headers"`
}

func Default() Config {
	return Config{
		AllowedSchemes:  []string{"https"},
		DenyPrivateIPs:  true,
		FollowRedirects: true,
		MaxRedirects:    5,
		MaxBodyBytes:    DefaultMaxBodyBytes,
		RequestTimeout:  30 * time.Second,
		RedactHeaders:   []string{"authorization", "cookie", "set-cookie", "proxy-authorization"},
	}
}

// Enforcer applies one Config. Violations are runerr.KindPolicy errors and
// never retried.
type Enforcer struct {
	cfg Config
}

func New(cfg Config) *Enforcer {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Enforcer{cfg: cfg}
}

func (e *Enforcer) Config() Config { return e.cfg }

func violation(format string, args ...any) error {
	return runerr.New(runerr.KindPolicy, "%s", fmt.Sprintf(format, args...))
}

// CheckURL validates scheme, host allow-list, and literal IP hosts before
// any connection is attempted.
func (e *Enforcer) CheckURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range e.cfg.AllowedSchemes {
		if scheme == strings.ToLower(s) {
			allowed = true
			break
		}
	}
	if !allowed {
		return violation("scheme %q is not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return violation("url %q has no host", u.Redacted())
	}
	if !e.hostAllowed(host) {
		return violation("host %q is not in the allow-list", host)
	}
	if e.cfg.DenyPrivateIPs {
		if ip := net.ParseIP(host); ip != nil && isPrivate(ip) {
			return violation("host %q is a private address", host)
		}
	}
	return nil
}

// hostAllowed matches exactly, or as a subdomain when the allow-list entry
// is a parent domain (allowing "example.com" admits "api.example.com").
func (e *Enforcer) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, h := range e.cfg.AllowedHosts {
		h = strings.ToLower(strings.TrimPrefix(h, "."))
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// isPrivate covers loopback, RFC 1918, link-local, unique-local, multicast,
// and unspecified addresses.
func isPrivate(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}

// Client builds an HTTP client whose dialer re-checks every resolved
// address, so a DNS answer pointing at a private range is rejected even when
// the hostname passed the literal check. A non-nil wrap wraps the checking
// transport; nil leaves it unwrapped.
func (e *Enforcer) Client(wrap func(http.RoundTripper) http.RoundTripper) *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return violation("dial %q: %v", address, err)
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return violation("dial %q: not an IP address", address)
			}
			if e.cfg.DenyPrivateIPs && isPrivate(ip) {
				return violation("resolved address %s is a private address", ip)
			}
			return nil
		},
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	var rt http.RoundTripper = transport
	if wrap != nil {
		rt = wrap(transport)
	}
	return &http.Client{
		Transport: rt,
		Timeout:   e.cfg.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !e.cfg.FollowRedirects {
				return http.ErrUseLastResponse
			}
			if len(via) >= e.cfg.MaxRedirects {
				return violation("stopped after %d redirects", e.cfg.MaxRedirects)
			}
			return e.CheckURL(req.URL)
		},
	}
}

// MaxBodyBytes reports the configured body cap, applied to request and
// response bodies alike.
func (e *Enforcer) MaxBodyBytes() int64 { return e.cfg.MaxBodyBytes }
