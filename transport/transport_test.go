package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hazyhaar/recette/egress"
)

// testPolicy routes every hostname to the local test server and denies
// 10.0.0.0/8 so redirect escapes have somewhere forbidden to point.
func testPolicy(t *testing.T, srv *httptest.Server) *egress.Policy {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, _, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	srvIP := net.ParseIP(host)

	_, denied, _ := net.ParseCIDR("10.0.0.0/8")
	return egress.NewPolicy(egress.Config{
		AllowPrivate: true,
		DenyNets:     []*net.IPNet{denied},
		LookupIP: func(_ context.Context, h string) ([]net.IP, error) {
			if h == "internal.example" {
				return []net.IP{net.ParseIP("10.0.0.5")}, nil
			}
			return []net.IP{srvIP}, nil
		},
	})
}

// pinFor resolves the test server's URL under a fake public hostname so
// the pinned dialer, not DNS, routes the request.
func pinFor(t *testing.T, policy *egress.Policy, srv *httptest.Server, path string) *egress.Pin {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	_, port, _ := net.SplitHostPort(u.Host)
	pin, err := policy.Resolve(context.Background(), "http://site.example:"+port+path)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return pin
}

func TestDirect_Basics(t *testing.T) {
	// WHAT: A plain GET through the pinned dialer returns the decoded,
	// bounded body.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-probe") != "yes" {
			t.Errorf("request header not forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	policy := testPolicy(t, srv)
	d := NewDirect(Caps{}, nil)
	resp, err := d.Do(context.Background(), &Request{
		Pin:    pinFor(t, policy, srv, "/api"),
		Method: http.MethodGet,
		Header: map[string]string{"x-probe": "yes"},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != `{"ok":true}` {
		t.Errorf("status=%d body=%q", resp.StatusCode, resp.Body)
	}
	if resp.RedirectHops != 0 {
		t.Errorf("hops: got %d, want 0", resp.RedirectHops)
	}
}

func TestDirect_RedirectValidatedAndCounted(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			_, port, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
			http.Redirect(w, r, "http://site.example:"+port+"/end", http.StatusFound)
			return
		}
		fmt.Fprint(w, "done")
	}))
	defer srv.Close()

	policy := testPolicy(t, srv)
	d := NewDirect(Caps{}, nil)
	resp, err := d.Do(context.Background(), &Request{
		Pin:    pinFor(t, policy, srv, "/start"),
		Method: http.MethodGet,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.RedirectHops != 1 {
		t.Errorf("hops: got %d, want 1", resp.RedirectHops)
	}
	if string(resp.Body) != "done" {
		t.Errorf("body: %q", resp.Body)
	}
}

func TestDirect_RedirectToDeniedAddress(t *testing.T) {
	// WHAT: A redirect pointing at a denied network is refused mid-chain.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://internal.example/secret", http.StatusFound)
	}))
	defer srv.Close()

	policy := testPolicy(t, srv)
	d := NewDirect(Caps{}, nil)
	_, err := d.Do(context.Background(), &Request{
		Pin:    pinFor(t, policy, srv, "/"),
		Method: http.MethodGet,
	})
	if !errors.Is(err, egress.ErrPrivateAddress) {
		t.Fatalf("err: got %v, want ErrPrivateAddress", err)
	}
}

func TestDirect_RedirectLoopHitsCap(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, port, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
		http.Redirect(w, r, "http://site.example:"+port+"/loop", http.StatusFound)
	}))
	defer srv.Close()

	policy := testPolicy(t, srv)
	d := NewDirect(Caps{}, nil)
	_, err := d.Do(context.Background(), &Request{
		Pin:    pinFor(t, policy, srv, "/loop"),
		Method: http.MethodGet,
	})
	if !errors.Is(err, egress.ErrRedirectLimit) {
		t.Fatalf("err: got %v, want ErrRedirectLimit", err)
	}
}

func TestDirect_BodyCapMeasuredAfterDecompression(t *testing.T) {
	// WHAT: A tiny compressed payload that inflates past the cap fails
	// with ErrBodyTooLarge.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(gzipBytes(t, make([]byte, 1<<20)))
	}))
	defer srv.Close()

	policy := testPolicy(t, srv)
	d := NewDirect(Caps{BodyMax: 64 << 10}, nil)
	_, err := d.Do(context.Background(), &Request{
		Pin:    pinFor(t, policy, srv, "/"),
		Method: http.MethodGet,
	})
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("err: got %v, want ErrBodyTooLarge", err)
	}
}

func TestDirect_NestingDepthCap(t *testing.T) {
	deep := strings.Repeat("[", 100) + strings.Repeat("]", 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, deep)
	}))
	defer srv.Close()

	policy := testPolicy(t, srv)
	d := NewDirect(Caps{DepthMax: 64}, nil)
	_, err := d.Do(context.Background(), &Request{
		Pin:    pinFor(t, policy, srv, "/"),
		Method: http.MethodGet,
	})
	if !errors.Is(err, ErrTooDeep) {
		t.Fatalf("err: got %v, want ErrTooDeep", err)
	}
}

type staticCookies struct{ cookies []*http.Cookie }

func (s staticCookies) Cookies(context.Context, *url.URL) ([]*http.Cookie, error) {
	return s.cookies, nil
}

func TestSessionBound_CarriesSessionCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, "hello %s", c.Value)
	}))
	defer srv.Close()

	policy := testPolicy(t, srv)
	s := NewSessionBound(staticCookies{[]*http.Cookie{{Name: "sid", Value: "abc123"}}}, Caps{}, nil)
	resp, err := s.Do(context.Background(), &Request{
		Pin:    pinFor(t, policy, srv, "/"),
		Method: http.MethodGet,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "hello abc123" {
		t.Errorf("status=%d body=%q", resp.StatusCode, resp.Body)
	}
}

// fakeEval replays a canned in-page fetch result.
type fakeEval struct {
	result inPageResponse
	// arg captures what the page was asked to do.
	arg inPageRequest
}

func (f *fakeEval) Eval(_ context.Context, _ string, args ...any) (string, error) {
	if len(args) == 1 {
		if req, ok := args[0].(inPageRequest); ok {
			f.arg = req
		}
	}
	b, _ := json.Marshal(f.result)
	return string(b), nil
}

func inPageFor(t *testing.T, eval Evaluator, cfg InPageConfig) (*InPage, *egress.Pin) {
	t.Helper()
	_, denied, _ := net.ParseCIDR("10.0.0.0/8")
	policy := egress.NewPolicy(egress.Config{
		AllowPrivate: true,
		DenyNets:     []*net.IPNet{denied},
		LookupIP: func(_ context.Context, h string) ([]net.IP, error) {
			if h == "internal.example" {
				return []net.IP{net.ParseIP("10.0.0.5")}, nil
			}
			return []net.IP{net.ParseIP("127.0.0.1")}, nil
		},
	})
	pin, err := policy.Resolve(context.Background(), "https://site.example/api")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return NewInPage(eval, cfg), pin
}

func TestInPage_Basics(t *testing.T) {
	body := base64.StdEncoding.EncodeToString([]byte(`{"ok":true}`))
	eval := &fakeEval{result: inPageResponse{
		Status:  200,
		Headers: map[string]string{"content-type": "application/json"},
		BodyB64: body,
	}}
	p, pin := inPageFor(t, eval, InPageConfig{})

	resp, err := p.Do(context.Background(), &Request{Pin: pin, Method: http.MethodGet})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != `{"ok":true}` {
		t.Errorf("status=%d body=%q", resp.StatusCode, resp.Body)
	}
	if eval.arg.Redirect != "error" {
		t.Errorf("redirect mode: got %q, want error (default off)", eval.arg.Redirect)
	}
	if eval.arg.URL != "https://site.example/api" {
		t.Errorf("url: %q", eval.arg.URL)
	}
}

func TestInPage_RedirectedToDeniedAddressDiscarded(t *testing.T) {
	// WHAT: With follow opted in, a chain ending at a denied address is
	// refused even though the page already fetched it.
	eval := &fakeEval{result: inPageResponse{
		Status:     200,
		FinalURL:   "https://internal.example/secret",
		Redirected: true,
		BodyB64:    base64.StdEncoding.EncodeToString([]byte("leaked")),
	}}
	p, pin := inPageFor(t, eval, InPageConfig{FollowRedirects: true})

	_, err := p.Do(context.Background(), &Request{Pin: pin, Method: http.MethodGet})
	if !errors.Is(err, egress.ErrPrivateAddress) {
		t.Fatalf("err: got %v, want ErrPrivateAddress", err)
	}
}

func TestInPage_OversizeBody(t *testing.T) {
	eval := &fakeEval{result: inPageResponse{Error: "too_large"}}
	p, pin := inPageFor(t, eval, InPageConfig{})
	_, err := p.Do(context.Background(), &Request{Pin: pin, Method: http.MethodGet})
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("err: got %v, want ErrBodyTooLarge", err)
	}
}

func TestParity_RedirectEscapeDeniedOnEveryTier(t *testing.T) {
	// WHAT: The same forbidden destination is refused by all three tiers,
	// whether the chain is followed by the client or inside the page.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://internal.example/secret", http.StatusFound)
	}))
	defer srv.Close()

	policy := testPolicy(t, srv)
	pin := pinFor(t, policy, srv, "/")

	leaked := &fakeEval{result: inPageResponse{
		Status:     200,
		FinalURL:   "https://internal.example/secret",
		Redirected: true,
		BodyB64:    base64.StdEncoding.EncodeToString([]byte("leaked")),
	}}

	tiers := []Transport{
		NewDirect(Caps{}, nil),
		NewSessionBound(staticCookies{}, Caps{}, nil),
		NewInPage(leaked, InPageConfig{FollowRedirects: true}),
	}
	for _, tr := range tiers {
		t.Run(string(tr.Kind()), func(t *testing.T) {
			_, err := tr.Do(context.Background(), &Request{Pin: pin, Method: http.MethodGet})
			if !errors.Is(err, egress.ErrPrivateAddress) {
				t.Fatalf("err: got %v, want ErrPrivateAddress", err)
			}
		})
	}
}

func TestKinds(t *testing.T) {
	if NewDirect(Caps{}, nil).Kind() != "direct" {
		t.Error("direct kind")
	}
	if NewSessionBound(staticCookies{}, Caps{}, nil).Kind() != "session" {
		t.Error("session kind")
	}
	if NewInPage(&fakeEval{}, InPageConfig{}).Kind() != "in_page" {
		t.Error("in_page kind")
	}
}
