package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrPrivateAddress is returned when a host resolves to a loopback, private,
// link-local, or unspecified address (directly or via IPv4-mapped IPv6).
var ErrPrivateAddress = errors.New("egress: target resolves to a private or loopback address")

// ErrRedirectLimit is returned when a redirect chain exceeds the hop cap.
var ErrRedirectLimit = errors.New("egress: redirect limit exceeded")

// ErrSchemeChange is returned when a redirect switches scheme without opt-in.
var ErrSchemeChange = errors.New("egress: scheme change on redirect requires opt-in")

// ErrUnpinnedDial is returned when a dial targets a host that was never
// validated in the current chain. It indicates a bug or an injection attempt.
var ErrUnpinnedDial = errors.New("egress: dial to unvalidated host refused")

// ErrResolve is returned when DNS resolution fails.
var ErrResolve = errors.New("egress: host resolution failed")

// Config configures a Policy.
type Config struct {
	// RedirectMax caps redirect hops per chain. Default: 5.
	RedirectMax int

	// AllowSchemeChange permits http<->https switches on redirect.
	// Default: false.
	AllowSchemeChange bool

	// AllowPrivate permits loopback and private targets. Local development
	// and tests only; never set in production config.
	AllowPrivate bool

	// DenyNets are additional CIDRs denied on top of the built-in rule.
	// Checked even when AllowPrivate is set.
	DenyNets []*net.IPNet

	// ResolveTTL bounds how long a DNS answer is cached. Short by design:
	// a pin protects one chain, not the next call. Default: 30s.
	ResolveTTL time.Duration

	// CacheMax bounds the number of cached DNS answers. Default: 4096.
	CacheMax int

	// LookupIP overrides DNS resolution (tests, custom resolvers).
	// Default: net.DefaultResolver.
	LookupIP func(ctx context.Context, host string) ([]net.IP, error)

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.RedirectMax <= 0 {
		c.RedirectMax = 5
	}
	if c.ResolveTTL <= 0 {
		c.ResolveTTL = 30 * time.Second
	}
	if c.CacheMax <= 0 {
		c.CacheMax = 4096
	}
	if c.LookupIP == nil {
		c.LookupIP = func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Policy decides whether a URL is safe to contact. One Policy instance is
// shared by all transports and by the learning pipeline; no caller may
// enforce a weaker rule.
type Policy struct {
	cfg   Config
	cache *gocache.Cache
}

// NewPolicy creates a Policy with a bounded short-TTL resolution cache.
func NewPolicy(cfg Config) *Policy {
	cfg.defaults()
	return &Policy{
		cfg:   cfg,
		cache: gocache.New(cfg.ResolveTTL, 2*cfg.ResolveTTL),
	}
}

// RedirectMax returns the configured redirect hop cap.
func (p *Policy) RedirectMax() int { return p.cfg.RedirectMax }

// Pin is the validated starting point of one request chain. It carries the
// canonical URL plus the set of hosts validated so far and their resolved
// addresses. Dials through the pin only ever reach validated addresses;
// hosts are never re-resolved mid-chain.
type Pin struct {
	// URL is the canonical validated URL.
	URL *url.URL

	policy *Policy

	mu     sync.Mutex
	hosts  map[string][]net.IP // validated host -> pinned addresses
	scheme string              // scheme at chain start
	hops   int
}

// Resolve canonicalizes rawURL, resolves its host, applies the address
// rules, and returns a Pin for the chain. This is the entry point every
// outbound call must pass through.
func (p *Policy) Resolve(ctx context.Context, rawURL string) (*Pin, error) {
	canon, err := Canonicalize(rawURL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(canon)
	if err != nil {
		return nil, fmt.Errorf("egress: invalid URL: %w", err)
	}

	ips, err := p.resolveHost(ctx, u.Hostname())
	if err != nil {
		return nil, err
	}

	pin := &Pin{
		URL:    u,
		policy: p,
		hosts:  map[string][]net.IP{u.Hostname(): ips},
		scheme: u.Scheme,
	}
	return pin, nil
}

// resolveHost returns the safe address set for host, denying the whole
// lookup if any answer is private (mixed public/private answers are a
// rebinding primitive, not a configuration quirk).
func (p *Policy) resolveHost(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if p.forbidden(ip) {
			return nil, fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
		}
		return []net.IP{ip}, nil
	}

	if cached, ok := p.cache.Get(host); ok {
		return cached.([]net.IP), nil
	}

	ips, err := p.cfg.LookupIP(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrResolve, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %q: no addresses", ErrResolve, host)
	}
	for _, ip := range ips {
		if p.forbidden(ip) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrPrivateAddress, host, ip)
		}
	}

	if p.cache.ItemCount() < p.cfg.CacheMax {
		p.cache.SetDefault(host, ips)
	}
	return ips, nil
}

// CheckRedirect validates one redirect hop. next must already be resolved
// relative to the current URL (net/http does this before CheckRedirect
// fires). The target host is resolved and added to the pin so the dialer
// will accept it; the hop counter and scheme rule are enforced here.
func (pin *Pin) CheckRedirect(ctx context.Context, next *url.URL) error {
	pin.mu.Lock()
	pin.hops++
	hops := pin.hops
	startScheme := pin.scheme
	pin.mu.Unlock()

	if hops > pin.policy.cfg.RedirectMax {
		return fmt.Errorf("%w: %d hops", ErrRedirectLimit, hops)
	}

	canon, err := Canonicalize(next.String())
	if err != nil {
		return err
	}
	u, err := url.Parse(canon)
	if err != nil {
		return fmt.Errorf("egress: invalid redirect target: %w", err)
	}
	if u.Scheme != startScheme && !pin.policy.cfg.AllowSchemeChange {
		return fmt.Errorf("%w: %s -> %s", ErrSchemeChange, startScheme, u.Scheme)
	}

	ips, err := pin.policy.resolveHost(ctx, u.Hostname())
	if err != nil {
		return err
	}

	pin.mu.Lock()
	pin.hosts[u.Hostname()] = ips
	pin.mu.Unlock()

	pin.policy.cfg.Logger.Debug("egress: redirect validated",
		"target", u.Host, "hop", hops)
	return nil
}

// Hops returns the number of redirect hops validated so far.
func (pin *Pin) Hops() int {
	pin.mu.Lock()
	defer pin.mu.Unlock()
	return pin.hops
}

// DialContext dials addr using only the addresses pinned at validation
// time. A host that never passed CheckRedirect or Resolve is refused, and
// DNS is never consulted at dial time.
func (pin *Pin) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("egress: dial %q: %w", addr, err)
	}

	pin.mu.Lock()
	ips, ok := pin.hosts[host]
	pin.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnpinnedDial, host)
	}

	d := net.Dialer{Timeout: 10 * time.Second}
	var lastErr error
	for _, ip := range ips {
		if pin.policy.forbidden(ip) {
			// Belt and braces: a pinned set never contains these.
			lastErr = ErrPrivateAddress
			continue
		}
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %q", ErrUnpinnedDial, host)
	}
	return nil, lastErr
}

func (p *Policy) forbidden(ip net.IP) bool {
	for _, n := range p.cfg.DenyNets {
		if n.Contains(ip) {
			return true
		}
	}
	if p.cfg.AllowPrivate {
		return false
	}
	return forbiddenIP(ip)
}

// forbiddenIP reports whether ip is loopback, private, link-local, or
// unspecified. IPv4-mapped IPv6 is unwrapped first so ::ffff:127.0.0.1
// is treated as 127.0.0.1.
func forbiddenIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
