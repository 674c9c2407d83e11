// Package runner executes recipes. One Execute call is the whole story:
// compile or reuse, check every parameter against its constraints, pass
// egress, pick the cheapest transport the recipe's parameter sources
// allow, run with bounded retries, and hand back a structured
// ExecutionResult. The retryable flag is computed here and nowhere else.
package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/recette/compile"
	"github.com/hazyhaar/recette/egress"
	"github.com/hazyhaar/recette/fingerprint"
	"github.com/hazyhaar/recette/recipe"
	"github.com/hazyhaar/recette/recording"
	"github.com/hazyhaar/recette/transport"
)

// Config configures a Runner.
type Config struct {
	// GlobalLimit caps concurrent executions. Default: 32.
	GlobalLimit int
	// PerHostLimit caps concurrent executions per destination host.
	// Retries consume the same budget as fresh calls. Default: 4.
	PerHostLimit int
	// Rate is the shared outbound request rate. Default: 5/s.
	Rate rate.Limit
	// Burst is the rate limiter burst. Default: 5.
	Burst int
	// RetryMax is the number of retries after the first attempt, applied
	// only to retryable kinds. Default: 2.
	RetryMax int
	// RetryBase is the first backoff delay; it doubles per retry.
	// Default: 500ms.
	RetryBase time.Duration
	// IdempotencyTTL is the replay window for idempotency keys.
	// Default: 10m.
	IdempotencyTTL time.Duration
	// RawMax truncates raw (non-extracted) payloads in results.
	// Default: 64 KiB.
	RawMax int
	// Fingerprint configures baseline matching.
	Fingerprint fingerprint.Config
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = 32
	}
	if c.PerHostLimit <= 0 {
		c.PerHostLimit = 4
	}
	if c.Rate <= 0 {
		c.Rate = 5
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 10 * time.Minute
	}
	if c.RawMax <= 0 {
		c.RawMax = 64 << 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Options tune one execution.
type Options struct {
	// Transport overrides the recipe's transport hint. The override can
	// only raise the tier; parameter sources set the floor.
	Transport recipe.TransportKind
	// IdempotencyKey makes a repeated call with the same key and input
	// return the original outcome within the replay window.
	IdempotencyKey string
	// Baseline, when set, is matched against the response and reported in
	// FingerprintMatch.
	Baseline *fingerprint.Fingerprint
}

// Runner executes recipes over the registered transports.
type Runner struct {
	cfg        Config
	policy     *egress.Policy
	compiler   *compile.Compiler
	transports map[recipe.TransportKind]transport.Transport

	limiter *rate.Limiter
	global  chan struct{}

	mu    sync.Mutex
	hosts map[string]chan struct{}

	idem *gocache.Cache
}

// New creates a Runner. transports maps each available tier to its
// implementation; a recipe requiring an unregistered tier fails cleanly.
func New(policy *egress.Policy, compiler *compile.Compiler, transports map[recipe.TransportKind]transport.Transport, cfg Config) *Runner {
	cfg.defaults()
	return &Runner{
		cfg:        cfg,
		policy:     policy,
		compiler:   compiler,
		transports: transports,
		limiter:    rate.NewLimiter(cfg.Rate, cfg.Burst),
		global:     make(chan struct{}, cfg.GlobalLimit),
		hosts:      make(map[string]chan struct{}),
		idem:       gocache.New(cfg.IdempotencyTTL, 2*cfg.IdempotencyTTL),
	}
}

// Execute runs one recipe call. It always returns an envelope; failures
// are structured, never panics or bare errors.
func (r *Runner) Execute(ctx context.Context, def *recipe.Definition, params map[string]string, opts Options) *recipe.ExecutionResult {
	start := time.Now()

	idemKey := ""
	if opts.IdempotencyKey != "" {
		idemKey = replayKey(opts.IdempotencyKey, def.Name, params)
		if v, ok := r.idem.Get(idemKey); ok {
			replay := *(v.(*recipe.ExecutionResult))
			replay.IdempotentReplay = true
			return &replay
		}
	}

	res := r.execute(ctx, def, params, opts, start)
	res.Timings.Total = time.Since(start)

	if idemKey != "" {
		stored := *res
		r.idem.SetDefault(idemKey, &stored)
	}
	return res
}

func (r *Runner) execute(ctx context.Context, def *recipe.Definition, params map[string]string, opts Options, start time.Time) *recipe.ExecutionResult {
	res := &recipe.ExecutionResult{}

	// Compile or reuse.
	tc := time.Now()
	compiled, cacheHit, err := r.compiler.Compile(def)
	res.Timings.Compile = time.Since(tc)
	if err != nil {
		return fail(res, recipe.KindValidationRejected, "compile", err.Error())
	}
	res.CacheHit = cacheHit

	// Parameter checks and substitution.
	tv := time.Now()
	values, verr := bindParams(def, params)
	if verr != nil {
		res.Timings.Validate = time.Since(tv)
		return fail(res, recipe.KindValidationRejected, "validate", verr.Error())
	}

	kind, terr := pickTransport(def, opts.Transport)
	if terr != nil {
		res.Timings.Validate = time.Since(tv)
		return fail(res, recipe.KindValidationRejected, "validate", terr.Error())
	}
	tr, ok := r.transports[kind]
	if !ok {
		res.Timings.Validate = time.Since(tv)
		return fail(res, recipe.KindValidationRejected, "validate",
			fmt.Sprintf("transport %s not available", kind))
	}
	res.Transport = kind

	urlStr, err := compiled.URL.Render(values, true)
	if err != nil {
		res.Timings.Validate = time.Since(tv)
		return fail(res, recipe.KindValidationRejected, "validate", err.Error())
	}
	var body []byte
	if compiled.Body != nil {
		rendered, err := compiled.Body.Render(values, false)
		if err != nil {
			res.Timings.Validate = time.Since(tv)
			return fail(res, recipe.KindValidationRejected, "validate", err.Error())
		}
		body = []byte(rendered)
	}
	header, err := renderHeaders(def.Request.Headers, values)
	if err != nil {
		res.Timings.Validate = time.Since(tv)
		return fail(res, recipe.KindValidationRejected, "validate", err.Error())
	}
	res.Timings.Validate = time.Since(tv)

	// Execute with bounded retries; the URL is re-validated (canonical
	// form, DNS, address rules) before every attempt.
	te := time.Now()
	resp, execErr := r.attempt(ctx, compiled, tr, urlStr, header, body)
	res.Timings.Execute = time.Since(te)
	if execErr != nil {
		k, reasons, retryAfter := classify(execErr)
		res.Reasons = reasons
		if retryAfter > 0 {
			res.Reasons = append(res.Reasons, "retry_after:"+retryAfter.String())
		}
		// A status failure still carries the status: callers read it for
		// signals the kind alone does not express (401/403 auth checks).
		var se *statusErr
		if errors.As(execErr, &se) {
			res.StatusCode = se.code
		}
		return fail(res, k, "execute", execErr.Error())
	}

	res.StatusCode = resp.StatusCode
	res.RedirectHops = resp.RedirectHops

	// Extraction.
	tx := time.Now()
	xerr := r.extract(def, compiled, resp, opts.Baseline, res)
	res.Timings.Extract = time.Since(tx)
	if xerr != nil {
		return res
	}

	res.OK = true
	r.cfg.Logger.Info("runner: executed",
		"recipe", def.Name, "transport", kind, "status", resp.StatusCode,
		"hops", resp.RedirectHops, "elapsed", time.Since(start))
	return res
}

// attempt runs the retry loop. Each attempt re-resolves the URL through
// the policy and consumes the same concurrency and rate budget as a fresh
// call.
func (r *Runner) attempt(ctx context.Context, compiled *compile.Compiled, tr transport.Transport, urlStr string, header map[string]string, body []byte) (*transport.Response, error) {
	var lastErr error
	backoff := r.cfg.RetryBase

	for i := 0; i <= r.cfg.RetryMax; i++ {
		if i > 0 {
			delay := backoff
			if ra := retryAfterOf(lastErr); ra > 0 && ra < 30*time.Second {
				delay = ra
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			backoff *= 2
			r.cfg.Logger.Debug("runner: retrying", "attempt", i+1, "delay", delay)
		}

		pin, err := r.policy.Resolve(ctx, urlStr)
		if err != nil {
			return nil, err
		}
		host := strings.ToLower(pin.URL.Hostname())
		if len(compiled.AllowedDomains) > 0 && !compiled.AllowedDomains[host] {
			return nil, fmt.Errorf("%w: host %q not in allowed domains", egress.ErrPrivateAddress, host)
		}

		resp, err := r.doLimited(ctx, tr, &transport.Request{
			Pin:    pin,
			Method: compiled.Def.Request.Method,
			Header: header,
			Body:   body,
		}, host)
		if err == nil {
			if serr := statusError(resp); serr != nil {
				lastErr = serr
				if kindOfErr(serr).Retryable() {
					continue
				}
				return nil, serr
			}
			return resp, nil
		}

		lastErr = err
		k, _, _ := classify(err)
		if !k.Retryable() {
			return nil, err
		}
	}
	return nil, lastErr
}

// doLimited runs one transport call under the global ceiling, the
// per-host ceiling, and the shared rate limiter. No lock is held across
// the network call.
func (r *Runner) doLimited(ctx context.Context, tr transport.Transport, req *transport.Request, host string) (*transport.Response, error) {
	select {
	case r.global <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.global }()

	sem := r.hostSem(host)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-sem }()

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return tr.Do(ctx, req)
}

func (r *Runner) hostSem(host string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.hosts[host]
	if !ok {
		sem = make(chan struct{}, r.cfg.PerHostLimit)
		r.hosts[host] = sem
	}
	return sem
}

// extract interprets the response per the declared kind, fills Value or
// Raw, and reports the baseline fingerprint match. On failure it fills
// the error fields and returns a marker error.
func (r *Runner) extract(def *recipe.Definition, compiled *compile.Compiled, resp *transport.Response, baseline *fingerprint.Fingerprint, res *recipe.ExecutionResult) error {
	switch def.Request.ResponseKind {
	case recipe.ResponseJSON:
		if !gjson.ValidBytes(resp.Body) {
			fail(res, recipe.KindMalformedResponse, "extract", "response is not valid JSON")
			return errExtract
		}
		if baseline != nil {
			fp := fingerprint.Take(resp.Body, r.cfg.Fingerprint)
			score, ok := fingerprint.Match(baseline, fp, r.cfg.Fingerprint)
			res.FingerprintMatch = &ok
			r.cfg.Logger.Debug("runner: fingerprint", "recipe", def.Name, "score", score, "match", ok)
		}
		if compiled.Extraction != "" {
			v := gjson.GetBytes(resp.Body, compiled.Extraction)
			if !v.Exists() {
				fail(res, recipe.KindExtractionFailed, "extract",
					fmt.Sprintf("path %q not found in response", compiled.Extraction))
				return errExtract
			}
			res.Value = v.Raw
			return nil
		}
		res.Value = string(resp.Body)
		return nil
	case recipe.ResponseHTML:
		if compiled.Selector == nil {
			res.Raw = truncate(resp.Body, r.cfg.RawMax)
			return nil
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			fail(res, recipe.KindMalformedResponse, "extract", "response is not parseable HTML")
			return errExtract
		}
		sel := doc.FindMatcher(compiled.Selector)
		if sel.Length() == 0 {
			fail(res, recipe.KindExtractionFailed, "extract",
				fmt.Sprintf("selector %q matched nothing", compiled.Extraction))
			return errExtract
		}
		texts := make([]string, 0, sel.Length())
		sel.Each(func(_ int, s *goquery.Selection) {
			texts = append(texts, strings.TrimSpace(s.Text()))
		})
		res.Value = strings.Join(texts, "\n")
		return nil
	default:
		res.Raw = truncate(resp.Body, r.cfg.RawMax)
		return nil
	}
}

var errExtract = errors.New("runner: extraction failed")

// bindParams checks every declared parameter and produces the
// substitution map. Undeclared caller params are rejected.
func bindParams(def *recipe.Definition, params map[string]string) (map[string]string, error) {
	values := make(map[string]string, len(def.Params))
	for i := range def.Params {
		p := &def.Params[i]
		var v string
		switch p.Source {
		case recipe.SourceConstant:
			v = p.Constraints.Value
		default:
			got, ok := params[p.Name]
			if !ok {
				return nil, fmt.Errorf("missing parameter %q", p.Name)
			}
			v = got
		}
		if err := p.CheckValue(v); err != nil {
			return nil, err
		}
		values[p.Name] = v
	}
	for name := range params {
		if def.Param(name) == nil {
			return nil, fmt.Errorf("undeclared parameter %q", name)
		}
	}
	return values, nil
}

var tierRank = map[recipe.TransportKind]int{
	recipe.TransportDirect:  0,
	recipe.TransportSession: 1,
	recipe.TransportInPage:  2,
}

// pickTransport chooses the tier: parameter sources set the floor, the
// verification hint raises it, an explicit override wins if it does not
// sink below the floor.
func pickTransport(def *recipe.Definition, override recipe.TransportKind) (recipe.TransportKind, error) {
	floor := recipe.TransportDirect
	for _, p := range def.Params {
		switch p.Source {
		case recipe.SourcePage:
			floor = recipe.TransportInPage
		case recipe.SourceSession:
			if tierRank[floor] < tierRank[recipe.TransportSession] {
				floor = recipe.TransportSession
			}
		}
	}

	chosen := floor
	if def.Verification != nil && def.Verification.TransportHint != "" {
		if tierRank[def.Verification.TransportHint] > tierRank[chosen] {
			chosen = def.Verification.TransportHint
		}
	}
	if override != "" {
		if _, ok := tierRank[override]; !ok {
			return "", fmt.Errorf("unknown transport %q", override)
		}
		if tierRank[override] < tierRank[floor] {
			return "", fmt.Errorf("transport %s forbidden: parameter sources require %s", override, floor)
		}
		chosen = override
	}
	return chosen, nil
}

func renderHeaders(headers, values map[string]string) (map[string]string, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		tpl, err := recipe.ParseTemplate(v)
		if err != nil {
			return nil, err
		}
		rendered, err := tpl.Render(values, false)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// classify maps an execution error onto the closed kind enumeration.
func classify(err error) (recipe.ErrorKind, []string, time.Duration) {
	var se *statusErr
	if errors.As(err, &se) {
		return se.kind, []string{"status:" + strconv.Itoa(se.code)}, se.retryAfter
	}

	switch {
	case errors.Is(err, egress.ErrPrivateAddress),
		errors.Is(err, egress.ErrRedirectLimit),
		errors.Is(err, egress.ErrSchemeChange),
		errors.Is(err, egress.ErrUnpinnedDial),
		errors.Is(err, egress.ErrResolve),
		errors.Is(err, egress.ErrScheme),
		errors.Is(err, egress.ErrCredentials),
		errors.Is(err, egress.ErrControlChars),
		errors.Is(err, egress.ErrBadHost):
		return recipe.KindEgressDenied, nil, 0
	case errors.Is(err, transport.ErrBodyTooLarge):
		return recipe.KindResponseTooLarge, nil, 0
	case errors.Is(err, transport.ErrHeaderTooLarge):
		return recipe.KindResponseTooLarge, nil, 0
	case errors.Is(err, transport.ErrTooDeep),
		errors.Is(err, transport.ErrEncoding):
		return recipe.KindMalformedResponse, nil, 0
	case errors.Is(err, context.DeadlineExceeded):
		return recipe.KindTimedOut, nil, 0
	case errors.Is(err, context.Canceled):
		// Cancelled work is never retried automatically.
		return recipe.KindTimedOut, []string{"cancelled"}, 0
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		// Transient network failure: same treatment as a timeout.
		return recipe.KindTimedOut, nil, 0
	}
	return recipe.KindMalformedResponse, nil, 0
}

func kindOfErr(err error) recipe.ErrorKind {
	k, _, _ := classify(err)
	return k
}

func retryAfterOf(err error) time.Duration {
	var se *statusErr
	if errors.As(err, &se) {
		return se.retryAfter
	}
	return 0
}

// statusErr carries a non-success HTTP status through the retry loop.
type statusErr struct {
	code       int
	kind       recipe.ErrorKind
	retryAfter time.Duration
}

func (e *statusErr) Error() string {
	return fmt.Sprintf("runner: http status %d", e.code)
}

// statusError maps the response status onto the enumeration: 2xx passes,
// 429 (and 503 with Retry-After) is rate_limited, everything else is a
// malformed response as far as the recipe is concerned.
func statusError(resp *transport.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	ra := parseRetryAfter(resp.Header.Get("Retry-After"))
	if code == http.StatusTooManyRequests ||
		(code == http.StatusServiceUnavailable && ra > 0) {
		return &statusErr{code: code, kind: recipe.KindRateLimited, retryAfter: ra}
	}
	return &statusErr{code: code, kind: recipe.KindMalformedResponse}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func fail(res *recipe.ExecutionResult, kind recipe.ErrorKind, stage, msg string) *recipe.ExecutionResult {
	res.OK = false
	res.ErrorKind = kind
	res.Stage = stage
	// Error text can echo URLs and header values; scrub secret-shaped
	// substrings before the message leaves the engine.
	res.ErrorMessage = recording.Scrub(msg)
	res.Retryable = kind.Retryable()
	return res
}

// replayKey digests the caller key plus the full input so a reused key
// with different input is a different call, not a replay.
func replayKey(key, name string, params map[string]string) string {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(name))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(params[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func truncate(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}
