// Package transport executes one validated request over one of three
// tiers: Direct (session-free HTTP), SessionBound (HTTP carrying a
// browser session's cookies, no script execution), and InPage (a fetch
// issued inside a live page). Every tier receives an egress.Pin — the
// proof that the target passed the egress policy — and enforces the same
// response caps; a recipe that works on one tier fails on the others for
// the same safety reasons, never weaker ones.
package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/recette/egress"
	"github.com/hazyhaar/recette/recipe"
)

// ErrBodyTooLarge is returned when a response exceeds the decoded body
// cap. Measured after decompression; a small compressed body is no proof
// of a small payload.
var ErrBodyTooLarge = errors.New("transport: response body exceeds cap")

// ErrHeaderTooLarge is returned when response headers exceed the cap.
var ErrHeaderTooLarge = errors.New("transport: response headers exceed cap")

// ErrTooDeep is returned when a structured body nests beyond the cap.
var ErrTooDeep = errors.New("transport: response nesting exceeds cap")

// ErrEncoding is returned for an unknown or corrupt content encoding.
var ErrEncoding = errors.New("transport: cannot decode response body")

// Caps are the response limits every tier enforces identically.
type Caps struct {
	// BodyMax caps the decoded response body. Default: 10 MiB.
	BodyMax int64
	// HeaderMax caps total response header bytes. Default: 64 KiB.
	HeaderMax int64
	// DepthMax caps JSON nesting in structured responses. Default: 64.
	DepthMax int
	// Timeout is the hard per-call ceiling applied on top of the caller's
	// context. Default: 30s.
	Timeout time.Duration
}

func (c *Caps) defaults() {
	if c.BodyMax <= 0 {
		c.BodyMax = 10 << 20
	}
	if c.HeaderMax <= 0 {
		c.HeaderMax = 64 << 10
	}
	if c.DepthMax <= 0 {
		c.DepthMax = 64
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Request is one outbound call. Pin carries the validated target URL and
// the pinned address set; transports never accept a bare URL.
type Request struct {
	Pin    *egress.Pin
	Method string
	Header map[string]string
	Body   []byte
}

// Response is the bounded, decoded result of one call.
type Response struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	FinalURL     string
	RedirectHops int
}

// Transport executes requests on one tier.
type Transport interface {
	Kind() recipe.TransportKind
	Do(ctx context.Context, req *Request) (*Response, error)
}

// headerBytes sums the wire size of h for the header cap.
func headerBytes(h http.Header) int64 {
	var n int64
	for k, vs := range h {
		for _, v := range vs {
			n += int64(len(k) + len(v) + 4) // ": " + CRLF
		}
	}
	return n
}

// checkResponse applies the caps shared by all tiers to an already
// decoded response.
func checkResponse(resp *Response, caps Caps) error {
	if headerBytes(resp.Header) > caps.HeaderMax {
		return ErrHeaderTooLarge
	}
	if int64(len(resp.Body)) > caps.BodyMax {
		return ErrBodyTooLarge
	}
	if looksStructured(resp.Header.Get("Content-Type")) {
		if d := nestingDepth(resp.Body, caps.DepthMax); d > caps.DepthMax {
			return ErrTooDeep
		}
	}
	return nil
}

func looksStructured(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/json") ||
		strings.Contains(ct, "+json") ||
		strings.Contains(ct, "text/json")
}

// nestingDepth scans b and returns the maximum bracket depth, stopping
// early once it exceeds limit. String contents are skipped so brackets
// inside values do not count.
func nestingDepth(b []byte, limit int) int {
	depth, max := 0, 0
	inString := false
	escaped := false
	for _, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > max {
				max = depth
				if max > limit {
					return max
				}
			}
		case '}', ']':
			depth--
		}
	}
	return max
}
