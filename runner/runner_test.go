package runner

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/recette/compile"
	"github.com/hazyhaar/recette/egress"
	"github.com/hazyhaar/recette/fingerprint"
	"github.com/hazyhaar/recette/recipe"
	"github.com/hazyhaar/recette/transport"
)

func testRunner(t *testing.T, srv *httptest.Server, cfg Config) *Runner {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	host, _, _ := net.SplitHostPort(u.Host)
	srvIP := net.ParseIP(host)

	policy := egress.NewPolicy(egress.Config{
		AllowPrivate: true,
		LookupIP: func(context.Context, string) ([]net.IP, error) {
			return []net.IP{srvIP}, nil
		},
	})
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	cfg.Rate = 10000
	cfg.Burst = 100
	transports := map[recipe.TransportKind]transport.Transport{
		recipe.TransportDirect: transport.NewDirect(transport.Caps{}, nil),
	}
	return New(policy, compile.New(compile.Config{}), transports, cfg)
}

func searchDef(srv *httptest.Server) *recipe.Definition {
	u, _ := url.Parse(srv.URL)
	_, port, _ := net.SplitHostPort(u.Host)
	return &recipe.Definition{
		Name: "site-example-search",
		Request: recipe.RequestTemplate{
			URLTemplate:    "http://site.example:" + port + "/search?q={query}",
			Method:         "GET",
			Headers:        map[string]string{"accept": "application/json"},
			ResponseKind:   recipe.ResponseJSON,
			Extraction:     "results",
			AllowedDomains: []string{"site.example"},
		},
		Params: []recipe.Parameter{
			{Name: "query", Type: recipe.TypeString, Source: recipe.SourceCaller},
		},
		Status: recipe.StatusVerified,
	}
}

const searchBody = `{"results":[{"title":"one"},{"title":"two"}],"total":2}`

func TestExecute_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "browser automation" {
			t.Errorf("query: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, searchBody)
	}))
	defer srv.Close()

	r := testRunner(t, srv, Config{})
	def := searchDef(srv)

	res := r.Execute(context.Background(), def, map[string]string{"query": "browser automation"}, Options{})
	if !res.OK {
		t.Fatalf("not OK: kind=%s stage=%s msg=%s", res.ErrorKind, res.Stage, res.ErrorMessage)
	}
	if res.Value != `[{"title":"one"},{"title":"two"}]` {
		t.Errorf("value: %s", res.Value)
	}
	if res.Transport != recipe.TransportDirect {
		t.Errorf("transport: %s", res.Transport)
	}
	if res.CacheHit {
		t.Error("first execution should compile fresh")
	}
	if res.Timings.Total <= 0 {
		t.Error("timings missing")
	}

	again := r.Execute(context.Background(), def, map[string]string{"query": "browser automation"}, Options{})
	if !again.CacheHit {
		t.Error("second execution should reuse the compiled recipe")
	}
}

func TestExecute_ParamValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request escaped validation")
	}))
	defer srv.Close()

	r := testRunner(t, srv, Config{})

	tests := []struct {
		name   string
		def    func() *recipe.Definition
		params map[string]string
	}{
		{"missing param", func() *recipe.Definition { return searchDef(srv) }, nil},
		{"undeclared param", func() *recipe.Definition { return searchDef(srv) },
			map[string]string{"query": "x", "admin": "1"}},
		{"enum violation", func() *recipe.Definition {
			d := searchDef(srv)
			d.Params[0].Constraints.Enum = []string{"a", "b"}
			return d
		}, map[string]string{"query": "c"}},
		{"newline in value", func() *recipe.Definition { return searchDef(srv) },
			map[string]string{"query": "x\r\nHost: evil"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(context.Background(), tt.def(), tt.params, Options{})
			if res.OK {
				t.Fatal("expected failure")
			}
			if res.ErrorKind != recipe.KindValidationRejected {
				t.Errorf("kind: %s", res.ErrorKind)
			}
			if res.Retryable {
				t.Error("validation failures are never retryable")
			}
			if res.Stage != "validate" {
				t.Errorf("stage: %s", res.Stage)
			}
		})
	}
}

func TestExecute_PageParamsForbidDirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	r := testRunner(t, srv, Config{})
	def := searchDef(srv)
	def.Params = append(def.Params, recipe.Parameter{
		Name: "csrf", Type: recipe.TypeString, Source: recipe.SourcePage,
	})

	res := r.Execute(context.Background(), def,
		map[string]string{"query": "x", "csrf": "tok"},
		Options{Transport: recipe.TransportDirect})
	if res.OK || res.ErrorKind != recipe.KindValidationRejected {
		t.Fatalf("kind=%s msg=%s", res.ErrorKind, res.ErrorMessage)
	}
}

func TestExecute_RetriesRateLimitedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, searchBody)
	}))
	defer srv.Close()

	r := testRunner(t, srv, Config{})
	res := r.Execute(context.Background(), searchDef(srv), map[string]string{"query": "x"}, Options{})
	if !res.OK {
		t.Fatalf("not OK after retry: %s %s", res.ErrorKind, res.ErrorMessage)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls: got %d, want 2", got)
	}
}

func TestExecute_NonRetryableStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := testRunner(t, srv, Config{})
	res := r.Execute(context.Background(), searchDef(srv), map[string]string{"query": "x"}, Options{})
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != recipe.KindMalformedResponse {
		t.Errorf("kind: %s", res.ErrorKind)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls: got %d, want 1 (no retry)", got)
	}
	if len(res.Reasons) == 0 || res.Reasons[0] != "status:404" {
		t.Errorf("reasons: %v", res.Reasons)
	}
}

func TestExecute_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := testRunner(t, srv, Config{RetryMax: 2})
	res := r.Execute(context.Background(), searchDef(srv), map[string]string{"query": "x"}, Options{})
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != recipe.KindRateLimited {
		t.Errorf("kind: %s", res.ErrorKind)
	}
	if !res.Retryable {
		t.Error("rate_limited should surface as retryable")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls: got %d, want 3 (1 + 2 retries)", got)
	}
}

func TestExecute_EgressDenied(t *testing.T) {
	// Strict policy, no AllowPrivate: the loopback test server itself is
	// the forbidden destination.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request escaped egress")
	}))
	defer srv.Close()

	policy := egress.NewPolicy(egress.Config{
		LookupIP: func(context.Context, string) ([]net.IP, error) {
			return []net.IP{net.ParseIP("127.0.0.1")}, nil
		},
	})
	transports := map[recipe.TransportKind]transport.Transport{
		recipe.TransportDirect: transport.NewDirect(transport.Caps{}, nil),
	}
	r := New(policy, compile.New(compile.Config{}), transports, Config{})

	res := r.Execute(context.Background(), searchDef(srv), map[string]string{"query": "x"}, Options{})
	if res.OK || res.ErrorKind != recipe.KindEgressDenied {
		t.Fatalf("kind=%s msg=%s", res.ErrorKind, res.ErrorMessage)
	}
	if res.Retryable {
		t.Error("egress denials are never retryable")
	}
}

func TestExecute_IdempotencyWindow(t *testing.T) {
	// WHAT: The same key and input replays the stored outcome; changed
	// input under the same key is a fresh call.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"results":[{"n":%d}]}`, calls.Add(1))
	}))
	defer srv.Close()

	r := testRunner(t, srv, Config{})
	def := searchDef(srv)
	opts := Options{IdempotencyKey: "job-42"}

	first := r.Execute(context.Background(), def, map[string]string{"query": "x"}, opts)
	if !first.OK || first.IdempotentReplay {
		t.Fatalf("first: ok=%v replay=%v", first.OK, first.IdempotentReplay)
	}
	second := r.Execute(context.Background(), def, map[string]string{"query": "x"}, opts)
	if !second.IdempotentReplay {
		t.Fatal("second call should replay")
	}
	if second.Value != first.Value {
		t.Errorf("replayed value differs: %s vs %s", second.Value, first.Value)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls: got %d, want 1", calls.Load())
	}

	third := r.Execute(context.Background(), def, map[string]string{"query": "y"}, opts)
	if third.IdempotentReplay {
		t.Error("different input must not replay")
	}
}

func TestExecute_FingerprintMatchFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, searchBody)
	}))
	defer srv.Close()

	r := testRunner(t, srv, Config{})
	def := searchDef(srv)

	baseline := fingerprint.Take([]byte(searchBody), fingerprint.Config{})
	res := r.Execute(context.Background(), def, map[string]string{"query": "x"}, Options{Baseline: baseline})
	if !res.OK {
		t.Fatalf("not OK: %s", res.ErrorMessage)
	}
	if res.FingerprintMatch == nil || !*res.FingerprintMatch {
		t.Error("matching baseline should report FingerprintMatch=true")
	}

	drifted := fingerprint.Take([]byte(`{"completely":{"different":"shape"}}`), fingerprint.Config{})
	res = r.Execute(context.Background(), def, map[string]string{"query": "x"}, Options{Baseline: drifted})
	if res.FingerprintMatch == nil || *res.FingerprintMatch {
		t.Error("drifted baseline should report FingerprintMatch=false")
	}
}

func TestExecute_ExtractionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"other":"shape"}`)
	}))
	defer srv.Close()

	r := testRunner(t, srv, Config{})
	res := r.Execute(context.Background(), searchDef(srv), map[string]string{"query": "x"}, Options{})
	if res.OK || res.ErrorKind != recipe.KindExtractionFailed {
		t.Fatalf("kind=%s", res.ErrorKind)
	}
	if res.Stage != "extract" {
		t.Errorf("stage: %s", res.Stage)
	}
}

func TestExecute_FailureStatusPropagated(t *testing.T) {
	// WHAT: A 401 replay fails with the status in the envelope, so the
	// verifier's auth-failure check sees 401, not 0.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := testRunner(t, srv, Config{})
	res := r.Execute(context.Background(), searchDef(srv), map[string]string{"query": "x"}, Options{})
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("status code: got %d, want 401", res.StatusCode)
	}
	if res.ErrorKind != recipe.KindMalformedResponse {
		t.Errorf("kind: %s", res.ErrorKind)
	}
}

func TestExecute_HTMLSelectorExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><div class="results"><a href="/1">First hit</a><a href="/2">Second hit</a></div><footer>ads</footer></body></html>`)
	}))
	defer srv.Close()

	r := testRunner(t, srv, Config{})
	def := searchDef(srv)
	def.Request.ResponseKind = recipe.ResponseHTML
	def.Request.Headers = map[string]string{"accept": "text/html"}
	def.Request.Extraction = "div.results a"

	res := r.Execute(context.Background(), def, map[string]string{"query": "x"}, Options{})
	if !res.OK {
		t.Fatalf("not OK: kind=%s msg=%s", res.ErrorKind, res.ErrorMessage)
	}
	if res.Value != "First hit\nSecond hit" {
		t.Errorf("value: %q", res.Value)
	}

	def.Request.Extraction = "div.missing"
	res = r.Execute(context.Background(), def, map[string]string{"query": "x"}, Options{})
	if res.OK || res.ErrorKind != recipe.KindExtractionFailed {
		t.Fatalf("kind=%s", res.ErrorKind)
	}
}

func TestExecute_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"broken":`)
	}))
	defer srv.Close()

	r := testRunner(t, srv, Config{})
	res := r.Execute(context.Background(), searchDef(srv), map[string]string{"query": "x"}, Options{})
	if res.OK || res.ErrorKind != recipe.KindMalformedResponse {
		t.Fatalf("kind=%s", res.ErrorKind)
	}
}

func TestPickTransport(t *testing.T) {
	base := &recipe.Definition{Params: []recipe.Parameter{
		{Name: "q", Source: recipe.SourceCaller},
	}}
	sessionDef := &recipe.Definition{Params: []recipe.Parameter{
		{Name: "sid", Source: recipe.SourceSession},
	}}
	pageDef := &recipe.Definition{Params: []recipe.Parameter{
		{Name: "tok", Source: recipe.SourcePage},
	}}
	hinted := &recipe.Definition{
		Params:       []recipe.Parameter{{Name: "q", Source: recipe.SourceCaller}},
		Verification: &recipe.Verification{TransportHint: recipe.TransportSession},
	}

	tests := []struct {
		name     string
		def      *recipe.Definition
		override recipe.TransportKind
		want     recipe.TransportKind
		wantErr  bool
	}{
		{"caller params go direct", base, "", recipe.TransportDirect, false},
		{"session source sets floor", sessionDef, "", recipe.TransportSession, false},
		{"page source sets floor", pageDef, "", recipe.TransportInPage, false},
		{"hint raises tier", hinted, "", recipe.TransportSession, false},
		{"override raises tier", base, recipe.TransportInPage, recipe.TransportInPage, false},
		{"override below floor rejected", pageDef, recipe.TransportDirect, "", true},
		{"unknown override rejected", base, recipe.TransportKind("carrier-pigeon"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickTransport(tt.def, tt.override)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
