package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/recette/recipe"
)

// Direct is the session-free tier: plain HTTP through the pinned dialer.
// Every connection reaches only addresses validated at resolve time, and
// every redirect hop passes through the pin before it is followed.
type Direct struct {
	caps   Caps
	logger *slog.Logger
}

// NewDirect creates the direct tier.
func NewDirect(caps Caps, logger *slog.Logger) *Direct {
	caps.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{caps: caps, logger: logger}
}

func (d *Direct) Kind() recipe.TransportKind { return recipe.TransportDirect }

// Do executes req over a client bound to the request's pin. Clients are
// per-call: the pin's dialer and redirect state belong to one chain.
func (d *Direct) Do(ctx context.Context, req *Request) (*Response, error) {
	return doPinned(ctx, req, nil, d.caps, d.logger)
}

// doPinned is the shared HTTP execution for the Direct and SessionBound
// tiers. jar may be nil.
func doPinned(ctx context.Context, req *Request, jar http.CookieJar, caps Caps, logger *slog.Logger) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, caps.Timeout)
	defer cancel()

	pin := req.Pin
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:            pin.DialContext,
			DisableCompression:     true,
			MaxResponseHeaderBytes: caps.HeaderMax,
			TLSHandshakeTimeout:    10 * time.Second,
			TLSClientConfig:        &tls.Config{MinVersion: tls.VersionTLS12},
			ForceAttemptHTTP2:      true,
		},
		Jar: jar,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			return pin.CheckRedirect(r.Context(), r.URL)
		},
	}
	defer client.CloseIdleConnections()

	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	} else {
		body = bytes.NewReader(nil)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, pin.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)

	start := time.Now()
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	defer httpResp.Body.Close()

	decoded, err := decodeBody(httpResp.Header.Get("Content-Encoding"), httpResp.Body, caps.BodyMax)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		StatusCode:   httpResp.StatusCode,
		Header:       httpResp.Header,
		Body:         decoded,
		FinalURL:     httpResp.Request.URL.String(),
		RedirectHops: pin.Hops(),
	}
	if err := checkResponse(resp, caps); err != nil {
		return nil, err
	}

	logger.Debug("transport: call complete",
		"url", pin.URL.Host, "status", resp.StatusCode,
		"bytes", len(resp.Body), "hops", resp.RedirectHops,
		"elapsed", time.Since(start))
	return resp, nil
}
