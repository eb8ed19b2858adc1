// Package httpclient is the outbound HTTP client used by webhook jobs.
//
// Webhook URLs come from configuration that operators may not fully
// control, so by default the client refuses loopback, private and
// link-local destinations, both in the URL and after DNS resolution.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/tasmidur/agenda-schedular/errors"
)

// Defaults for Options zero values.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRedirects = 5
)

// ErrBlocked marks a request refused before it left the process.
var ErrBlocked = errors.New("destination blocked")

// Options configures New.
type Options struct {
	Timeout time.Duration
	// AllowPrivateNetworks permits loopback and RFC 1918 targets, for
	// webhooks that call services on the same host or network.
	AllowPrivateNetworks bool
	MaxRedirects         int
}

// Client wraps http.Client with destination checks.
type Client struct {
	http         *http.Client
	allowPrivate bool
	maxRedirects int
}

// New builds a client from opts.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}

	c := &Client{
		allowPrivate: opts.AllowPrivateNetworks,
		maxRedirects: opts.MaxRedirects,
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if !c.allowPrivate {
		// Checked after resolution so DNS cannot point a public name inward.
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if IsPrivate(ip) {
					return nil, errors.Wrapf(ErrBlocked, "%s resolves to private address %s", host, ip)
				}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		}
	}

	c.http = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= c.maxRedirects {
				return errors.Newf("stopped after %d redirects", c.maxRedirects)
			}
			return errors.Wrap(c.check(req.URL), "redirect blocked")
		},
	}
	return c
}

// ValidateURL parses raw and applies the destination checks.
func (c *Client) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do sends req after checking its URL.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

func (c *Client) check(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Wrapf(ErrBlocked, "scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return errors.Wrap(ErrBlocked, "credentials in URL")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if c.allowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.Wrap(ErrBlocked, "localhost")
	}
	if ip, err := netip.ParseAddr(host); err == nil && IsPrivate(ip) {
		return errors.Wrapf(ErrBlocked, "private address %s", host)
	}
	return nil
}

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsPrivate reports whether ip is loopback, private, link-local, multicast
// or otherwise not a public unicast address.
func IsPrivate(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, p := range privatePrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}
