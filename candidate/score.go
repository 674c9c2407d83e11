package candidate

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tidwall/gjson"

	"github.com/hazyhaar/recette/recording"
)

// Config holds the ranking weights and bounds. The defaults are tuned for
// "find the JSON endpoint behind a task", which is what the learner wants.
type Config struct {
	// TopK bounds the emitted shortlist. Default: 8.
	TopK int

	WContentType float64 // structured > markup > text > binary
	WStatus      float64 // 2xx bonus
	WSizeBucket  float64 // very small / very large penalized
	WTokens      float64 // URL/query overlap with task + answer text
	WPathShape   float64 // data-endpoint path bonus
	WTracking    float64 // tracking-path penalty (subtracted)
	WCacheBuster float64 // cache-buster query penalty (subtracted)
	WRichness    float64 // structural richness of the sample
	WProximity   float64 // closeness to task completion
}

func (c *Config) defaults() {
	if c.TopK <= 0 {
		c.TopK = 8
	}
	if c.WContentType == 0 {
		c.WContentType = 3.0
	}
	if c.WStatus == 0 {
		c.WStatus = 1.0
	}
	if c.WSizeBucket == 0 {
		c.WSizeBucket = 1.0
	}
	if c.WTokens == 0 {
		c.WTokens = 2.0
	}
	if c.WPathShape == 0 {
		c.WPathShape = 1.5
	}
	if c.WTracking == 0 {
		c.WTracking = 3.0
	}
	if c.WCacheBuster == 0 {
		c.WCacheBuster = 0.5
	}
	if c.WRichness == 0 {
		c.WRichness = 1.5
	}
	if c.WProximity == 0 {
		c.WProximity = 1.0
	}
}

// dataPathHints mark paths that usually serve data rather than assets.
var dataPathHints = []string{
	"/api/", "/v1/", "/v2/", "/v3/", "/graphql", "/search", "/query",
	"/list", "/items", "/results", ".json",
}

// trackingPathHints mark analytics and ad endpoints — never money requests.
var trackingPathHints = []string{
	"analytics", "telemetry", "tracking", "/track", "/pixel", "/beacon",
	"/collect", "/metrics", "/ads/", "adserver", "doubleclick",
}

// cacheBusterKeys are query keys whose only job is defeating caches.
var cacheBusterKeys = map[string]bool{
	"_": true, "t": true, "ts": true, "cb": true, "r": true,
	"rand": true, "random": true, "nocache": true, "timestamp": true,
}

func score(ex *recording.Exchange, index, total int, taskTokens map[string]bool, cfg Config) Candidate {
	features := make(map[string]float64, 9)

	class := contentClass(ex.ContentType, ex.Sample)
	switch class {
	case "structured":
		features["content_type"] = 1.0
	case "markup":
		features["content_type"] = 0.5
	case "text":
		features["content_type"] = 0.25
	default:
		features["content_type"] = 0
	}

	if ex.Status >= 200 && ex.Status < 300 {
		features["status_2xx"] = 1.0
	}

	features["size_bucket"] = sizeBucket(ex.BodySize)
	features["token_overlap"] = tokenOverlap(ex.URL, taskTokens)
	features["path_shape"] = pathHint(ex.URL, dataPathHints)
	features["tracking"] = -pathHint(ex.URL, trackingPathHints)
	features["cache_buster"] = -cacheBusterScore(ex.URL)
	features["richness"] = richness(class, ex.Sample)
	if total > 1 {
		features["proximity"] = float64(index) / float64(total-1)
	}

	sum := cfg.WContentType*features["content_type"] +
		cfg.WStatus*features["status_2xx"] +
		cfg.WSizeBucket*features["size_bucket"] +
		cfg.WTokens*features["token_overlap"] +
		cfg.WPathShape*features["path_shape"] +
		cfg.WTracking*features["tracking"] +
		cfg.WCacheBuster*features["cache_buster"] +
		cfg.WRichness*features["richness"] +
		cfg.WProximity*features["proximity"]

	return Candidate{
		ExchangeID:   ex.ID,
		Endpoint:     EndpointIdentity(ex.Method, ex.URL),
		URL:          ex.URL,
		Method:       ex.Method,
		Status:       ex.Status,
		ContentClass: class,
		BodySize:     ex.BodySize,
		Sample:       ex.Sample,
		Score:        sum,
		Features:     features,
	}
}

// contentClass buckets a content type, sniffing the sample when the header
// is missing or useless.
func contentClass(contentType, sample string) string {
	ct := strings.ToLower(contentType)
	if ct == "" || ct == "application/octet-stream" {
		if sample != "" {
			ct = strings.ToLower(mimetype.Detect([]byte(sample)).String())
		}
	}
	switch {
	case strings.Contains(ct, "json"), strings.Contains(ct, "xml"):
		return "structured"
	case strings.Contains(ct, "html"):
		return "markup"
	case strings.Contains(ct, "text"), strings.Contains(ct, "javascript"):
		return "text"
	default:
		return "binary"
	}
}

// sizeBucket scores body size: the money request is rarely an empty ack or
// a megabyte bundle.
func sizeBucket(n int64) float64 {
	switch {
	case n <= 0:
		return 0
	case n < 256:
		return 0.2
	case n <= 512*1024:
		return 1.0
	case n <= 2*1024*1024:
		return 0.5
	default:
		return 0.1
	}
}

func tokenOverlap(rawURL string, taskTokens map[string]bool) float64 {
	if len(taskTokens) == 0 {
		return 0
	}
	urlTokens := tokenize(rawURL)
	if len(urlTokens) == 0 {
		return 0
	}
	hits := 0
	for tok := range urlTokens {
		if taskTokens[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(urlTokens))
}

func pathHint(rawURL string, hints []string) float64 {
	lower := strings.ToLower(rawURL)
	for _, h := range hints {
		if strings.Contains(lower, h) {
			return 1.0
		}
	}
	return 0
}

func cacheBusterScore(rawURL string) float64 {
	q := strings.IndexByte(rawURL, '?')
	if q < 0 {
		return 0
	}
	for _, pair := range strings.Split(rawURL[q+1:], "&") {
		key, _, _ := strings.Cut(pair, "=")
		if cacheBusterKeys[strings.ToLower(key)] {
			return 1.0
		}
	}
	return 0
}

// richness rewards structured samples with real shape and penalizes
// trivial payloads like {"ok":true}.
func richness(class, sample string) float64 {
	if class != "structured" || sample == "" {
		return 0
	}
	v := gjson.Parse(sample)
	n := countLeaves(v, 0)
	switch {
	case n >= 10:
		return 1.0
	case n >= 4:
		return 0.6
	case n >= 2:
		return 0.3
	default:
		return 0
	}
}

func countLeaves(v gjson.Result, depth int) int {
	if depth > 4 {
		return 1
	}
	n := 0
	if v.IsObject() || v.IsArray() {
		v.ForEach(func(_, val gjson.Result) bool {
			n += countLeaves(val, depth+1)
			return n < 64
		})
		return n
	}
	return 1
}

// tokenize lowercases and splits on non-alphanumerics, dropping stopwords
// and single characters.
func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	var b strings.Builder
	flush := func() {
		if b.Len() > 1 {
			tok := b.String()
			if !stopwords[tok] {
				out[tok] = true
			}
		}
		b.Reset()
	}
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "for": true,
	"and": true, "or": true, "to": true, "in": true, "on": true,
	"http": true, "https": true, "www": true, "com": true,
}
