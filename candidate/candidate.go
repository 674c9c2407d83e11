// Package candidate scores the exchanges of a recording as potential money
// requests — the one call among many that carried the data a task needed.
//
// Extraction and ranking are pure functions over an immutable Recording; the
// output CandidateSet is the only thing later stages (and the model behind
// the analyzer) ever see.
package candidate

import (
	"net/url"
	"sort"
	"strings"

	"github.com/hazyhaar/recette/recording"
)

// SchemaVersion tags persisted candidate sets.
const SchemaVersion = 1

// Candidate is one exchange scored as a possible money request.
type Candidate struct {
	// ExchangeID references the recording entry.
	ExchangeID string `json:"exchange_id"`
	// Endpoint is the canonical endpoint identity used for dedup:
	// METHOD host path ?sorted-query-keys.
	Endpoint string `json:"endpoint"`
	URL      string `json:"url"`
	Method   string `json:"method"`
	Status   int    `json:"status"`
	// ContentClass is the coarse body classification (structured, markup,
	// text, binary).
	ContentClass string `json:"content_class"`
	BodySize     int64  `json:"body_size"`
	Sample       string `json:"sample,omitempty"`
	Score        float64 `json:"score"`
	// Features is the per-feature score breakdown, kept for audit and
	// threshold calibration.
	Features map[string]float64 `json:"features"`
}

// Set is the ordered candidate shortlist handed to the analyzer.
type Set struct {
	Schema     int         `json:"schema"`
	TaskID     string      `json:"task_id"`
	Candidates []Candidate `json:"candidates"`
}

// Top returns the best candidate, or nil for an empty set.
func (s *Set) Top() *Candidate {
	if len(s.Candidates) == 0 {
		return nil
	}
	return &s.Candidates[0]
}

// ByID returns the candidate with the given exchange id, or nil.
func (s *Set) ByID(exchangeID string) *Candidate {
	for i := range s.Candidates {
		if s.Candidates[i].ExchangeID == exchangeID {
			return &s.Candidates[i]
		}
	}
	return nil
}

// EndpointIdentity computes the canonical endpoint identity of an exchange:
// method, lowercased host, path, and the sorted set of query keys. Query
// values are deliberately excluded — two searches for different terms are
// the same endpoint.
func EndpointIdentity(method, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.ToUpper(method) + " " + rawURL
	}
	keys := make([]string, 0, 4)
	for k := range u.Query() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	id := strings.ToUpper(method) + " " + strings.ToLower(u.Host) + u.Path
	if len(keys) > 0 {
		id += "?" + strings.Join(keys, ",")
	}
	return id
}

// Rank scores every exchange in rec against the task, dedups by endpoint
// identity keeping the best-scoring exemplar, and returns the top-K set.
func Rank(rec *recording.Recording, taskText, answerText string, cfg Config) *Set {
	cfg.defaults()

	taskTokens := tokenize(taskText + " " + answerText)

	best := make(map[string]Candidate)
	for i := range rec.Exchanges {
		ex := &rec.Exchanges[i]
		c := score(ex, i, len(rec.Exchanges), taskTokens, cfg)
		if prev, ok := best[c.Endpoint]; !ok || c.Score > prev.Score {
			best[c.Endpoint] = c
		}
	}

	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ExchangeID < out[j].ExchangeID
	})
	if len(out) > cfg.TopK {
		out = out[:cfg.TopK]
	}
	return &Set{Schema: SchemaVersion, TaskID: rec.TaskID, Candidates: out}
}
