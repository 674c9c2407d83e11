package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hazyhaar/recette/recipe"
)

// Evaluator runs a JavaScript function inside a live page and returns its
// JSON-serialized result. Implemented by the session package over a rod
// page; faked in tests.
type Evaluator interface {
	Eval(ctx context.Context, js string, args ...any) (string, error)
}

// InPage is the last-resort tier: a fetch issued from inside a live page,
// under the page's origin and cookie state. The page's network stack does
// the I/O, so address pinning cannot reach the dial. Two rules compensate:
// the target passed the egress policy before the call, and redirects are
// refused by default — with opt-in follow, the final URL is validated
// against the chain after the fact and the response discarded on failure.
type InPage struct {
	caps            Caps
	eval            Evaluator
	followRedirects bool
	logger          *slog.Logger
}

// InPageConfig configures the in-page tier.
type InPageConfig struct {
	Caps Caps
	// FollowRedirects lets the page follow redirects. The final URL is
	// then validated post-hoc; a chain ending somewhere the policy denies
	// is discarded. Default: false (redirects fail the call).
	FollowRedirects bool
	Logger          *slog.Logger
}

// NewInPage creates the in-page tier over eval.
func NewInPage(eval Evaluator, cfg InPageConfig) *InPage {
	cfg.Caps.defaults()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &InPage{caps: cfg.Caps, eval: eval, followRedirects: cfg.FollowRedirects, logger: cfg.Logger}
}

func (p *InPage) Kind() recipe.TransportKind { return recipe.TransportInPage }

// inPageFetch runs in the page. It returns a JSON object; the body comes
// back base64-encoded so binary survives the CDP string channel, and the
// size cap is enforced before encoding.
const inPageFetch = `async (req) => {
	const ctrl = new AbortController();
	const timer = setTimeout(() => ctrl.abort(), req.timeout_ms);
	try {
		const resp = await fetch(req.url, {
			method: req.method,
			headers: req.headers,
			body: req.body_b64 ? Uint8Array.from(atob(req.body_b64), c => c.charCodeAt(0)) : undefined,
			redirect: req.redirect,
			credentials: "include",
			signal: ctrl.signal,
		});
		const buf = await resp.arrayBuffer();
		if (buf.byteLength > req.max_bytes) {
			return JSON.stringify({error: "too_large"});
		}
		const headers = {};
		resp.headers.forEach((v, k) => { headers[k] = v; });
		let bin = "";
		const bytes = new Uint8Array(buf);
		for (let i = 0; i < bytes.length; i += 0x8000) {
			bin += String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000));
		}
		return JSON.stringify({
			status: resp.status,
			headers: headers,
			final_url: resp.url,
			redirected: resp.redirected,
			body_b64: btoa(bin),
		});
	} catch (e) {
		return JSON.stringify({error: String(e)});
	} finally {
		clearTimeout(timer);
	}
}`

type inPageRequest struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	BodyB64   string            `json:"body_b64,omitempty"`
	Redirect  string            `json:"redirect"`
	MaxBytes  int64             `json:"max_bytes"`
	TimeoutMs int64             `json:"timeout_ms"`
}

type inPageResponse struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	FinalURL   string            `json:"final_url"`
	Redirected bool              `json:"redirected"`
	BodyB64    string            `json:"body_b64"`
	Error      string            `json:"error"`
}

// Do executes req via fetch in the page.
func (p *InPage) Do(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.caps.Timeout)
	defer cancel()

	redirect := "error"
	if p.followRedirects {
		redirect = "follow"
	}
	arg := inPageRequest{
		URL:       req.Pin.URL.String(),
		Method:    req.Method,
		Headers:   req.Header,
		Redirect:  redirect,
		MaxBytes:  p.caps.BodyMax,
		TimeoutMs: p.caps.Timeout.Milliseconds(),
	}
	if len(req.Body) > 0 {
		arg.BodyB64 = base64.StdEncoding.EncodeToString(req.Body)
	}

	raw, err := p.eval.Eval(ctx, inPageFetch, arg)
	if err != nil {
		return nil, fmt.Errorf("transport: in-page eval: %w", err)
	}

	var out inPageResponse
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("transport: in-page result: %w", err)
	}
	switch out.Error {
	case "":
	case "too_large":
		return nil, ErrBodyTooLarge
	default:
		return nil, fmt.Errorf("transport: in-page fetch: %s", out.Error)
	}

	hops := 0
	if out.Redirected && out.FinalURL != "" {
		final, err := url.Parse(out.FinalURL)
		if err != nil {
			return nil, fmt.Errorf("transport: in-page final url: %w", err)
		}
		// Post-hoc: the page already followed the chain; refuse to hand
		// the response over unless the destination passes the policy.
		if err := req.Pin.CheckRedirect(ctx, final); err != nil {
			return nil, err
		}
		hops = req.Pin.Hops()
	}

	body, err := base64.StdEncoding.DecodeString(out.BodyB64)
	if err != nil {
		return nil, fmt.Errorf("transport: in-page body: %w", err)
	}

	header := http.Header{}
	for k, v := range out.Headers {
		header.Set(k, v)
	}
	finalURL := out.FinalURL
	if finalURL == "" {
		finalURL = req.Pin.URL.String()
	}
	resp := &Response{
		StatusCode:   out.Status,
		Header:       header,
		Body:         body,
		FinalURL:     finalURL,
		RedirectHops: hops,
	}
	if err := checkResponse(resp, p.caps); err != nil {
		return nil, err
	}
	p.logger.Debug("transport: in-page call complete",
		"url", req.Pin.URL.Host, "status", resp.StatusCode, "bytes", len(resp.Body))
	return resp, nil
}
