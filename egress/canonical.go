// Package egress is the single outbound-safety gate for the recette engine.
//
// Every component that contacts the network — all three replay transports,
// the minimizer's probes, the verifier's replays and the learning pipeline's
// browser navigation — validates URLs through the same Policy. The policy
// canonicalizes the URL, resolves the host once, pins the resolved addresses
// for the rest of the redirect chain (DNS-rebinding defense) and re-validates
// every redirect target before it is followed.
package egress

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrScheme is returned for any scheme other than http or https.
var ErrScheme = errors.New("egress: only http and https schemes are allowed")

// ErrCredentials is returned when a URL embeds userinfo.
var ErrCredentials = errors.New("egress: URL must not embed credentials")

// ErrControlChars is returned when a URL contains control characters.
var ErrControlChars = errors.New("egress: URL contains control characters")

// ErrBadHost is returned for empty, malformed, or non-canonically encoded hosts.
var ErrBadHost = errors.New("egress: malformed host")

// Canonicalize normalizes rawURL into its canonical form:
// lowercase scheme and host, punycode (IDNA) host encoding, default ports
// stripped, fragment dropped, empty path rewritten to "/".
//
// It rejects non-http(s) schemes, embedded credentials, control characters,
// and hosts that look like IP addresses but are not in canonical dotted-quad
// or RFC 5952 form (octal, hex, or integer IPv4 encodings resolve differently
// across stacks and are a classic SSRF filter bypass).
//
// Canonicalize is idempotent: Canonicalize(Canonicalize(u)) == Canonicalize(u).
func Canonicalize(rawURL string) (string, error) {
	for _, r := range rawURL {
		if r < 0x20 || r == 0x7f {
			return "", ErrControlChars
		}
	}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("egress: invalid URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrScheme
	}
	u.Scheme = scheme

	if u.User != nil {
		return "", ErrCredentials
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrBadHost)
	}

	host, err = canonicalHost(host)
	if err != nil {
		return "", err
	}

	port := u.Port()
	if port == "" || (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		u.Host = host
	} else {
		u.Host = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}

// canonicalHost validates and normalizes a lowercased hostname without port.
// IP literals must already be in canonical form; hostnames are IDNA-encoded.
func canonicalHost(host string) (string, error) {
	// IPv6 literal (url.Hostname strips the brackets). IPv4-mapped forms
	// collapse to plain dotted-quad so the address rules see them as IPv4.
	if strings.Contains(host, ":") {
		ip := net.ParseIP(host)
		if ip == nil {
			return "", fmt.Errorf("%w: %q", ErrBadHost, host)
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
		return "[" + ip.String() + "]", nil
	}

	if looksLikeIPv4(host) {
		ip := parseCanonicalIPv4(host)
		if ip == nil {
			// "0x7f.0.0.1", "017700000001", "127.1" and friends would
			// otherwise fall through to DNS and resolve surprisingly.
			return "", fmt.Errorf("%w: non-canonical IP encoding %q", ErrBadHost, host)
		}
		return ip.String(), nil
	}

	encoded, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrBadHost, host, err)
	}
	return encoded, nil
}

// looksLikeIPv4 reports whether a resolver might interpret host as a
// numeric address: every label is decimal digits or 0x-prefixed hex.
// Bare hex words without the prefix ("beef.cafe") are hostnames — the
// resolver treats them as names, and so does this check.
func looksLikeIPv4(host string) bool {
	if host == "" {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if !numericLabel(label) {
			return false
		}
	}
	return true
}

func numericLabel(label string) bool {
	if label == "" {
		return false
	}
	if len(label) > 2 && (label[0] == '0' && (label[1] == 'x' || label[1] == 'X')) {
		for _, r := range label[2:] {
			if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
				return false
			}
		}
		return true
	}
	for _, r := range label {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseCanonicalIPv4 accepts only dotted-quad decimal with no leading zeros.
func parseCanonicalIPv4(host string) net.IP {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return nil
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return nil
		}
		if len(p) > 1 && p[0] == '0' {
			return nil
		}
		n := 0
		for _, r := range p {
			if r < '0' || r > '9' {
				return nil
			}
			n = n*10 + int(r-'0')
		}
		if n > 255 {
			return nil
		}
	}
	return net.ParseIP(host)
}
