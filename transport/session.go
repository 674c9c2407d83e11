package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	"github.com/hazyhaar/recette/recipe"
)

// CookieSource supplies the cookie state of a live browser session for a
// target URL. Implemented by the session package; faked in tests.
type CookieSource interface {
	Cookies(ctx context.Context, u *url.URL) ([]*http.Cookie, error)
}

// SessionBound is the middle tier: the same pinned HTTP execution as
// Direct, carrying the cookies of a browser session. No page, no script —
// only the session's cookie state crosses over.
type SessionBound struct {
	caps   Caps
	source CookieSource
	logger *slog.Logger
}

// NewSessionBound creates the session tier over source.
func NewSessionBound(source CookieSource, caps Caps, logger *slog.Logger) *SessionBound {
	caps.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionBound{caps: caps, source: source, logger: logger}
}

func (s *SessionBound) Kind() recipe.TransportKind { return recipe.TransportSession }

// Do executes req with the session's cookies loaded into a per-call jar.
// The jar keeps Set-Cookie responses scoped to this chain; nothing is
// written back to the browser session.
func (s *SessionBound) Do(ctx context.Context, req *Request) (*Response, error) {
	cookies, err := s.source.Cookies(ctx, req.Pin.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: session cookies: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("transport: cookie jar: %w", err)
	}
	jar.SetCookies(req.Pin.URL, cookies)

	return doPinned(ctx, req, jar, s.caps, s.logger)
}
