// Package fingerprint computes structural signatures of extracted results.
//
// A fingerprint is the set of typed field paths found by walking a JSON
// value to a bounded depth. Two results match when the Jaccard similarity
// of their path sets clears a threshold: additive drift (new optional
// fields) passes, structural breakage (missing or retyped paths) fails.
// The fingerprint is the ground truth for replay correctness — the
// minimizer and verifier both compare against it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// AlgorithmVersion identifies the walk + hash algorithm. Bump on any change
// to path construction so stored digests are never compared across
// incompatible algorithms.
const AlgorithmVersion = 1

// Config bounds the walk and sets the match threshold.
type Config struct {
	// MaxDepth bounds the path depth walked. Default: 6.
	MaxDepth int
	// MaxPaths bounds the number of collected paths. Default: 512.
	MaxPaths int
	// ArraySample is how many leading array elements are walked. Arrays
	// are homogeneous in practice; sampling keeps fingerprints stable
	// across result-count changes. Default: 3.
	ArraySample int
	// Threshold is the Jaccard similarity required for a match.
	// Deliberately configurable: it trades false promotions against
	// false drift-demotions. Default: 0.7.
	Threshold float64
}

func (c *Config) defaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 6
	}
	if c.MaxPaths <= 0 {
		c.MaxPaths = 512
	}
	if c.ArraySample <= 0 {
		c.ArraySample = 3
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = 0.7
	}
}

// Fingerprint is the structural signature of one extracted result.
type Fingerprint struct {
	// Paths is the sorted set of typed field paths, e.g. "results.[].title:string".
	Paths []string `json:"paths"`
	// Version is the AlgorithmVersion that produced the fingerprint.
	Version int `json:"version"`
}

// Digest returns a stable hex digest of the fingerprint, suitable for the
// verification record.
func (f *Fingerprint) Digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "v%d\n", f.Version)
	for _, p := range f.Paths {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Take fingerprints a JSON document. Non-JSON input yields a single
// scalar path so that plain-text results still get drift detection.
func Take(raw []byte, cfg Config) *Fingerprint {
	cfg.defaults()

	set := make(map[string]bool)
	if !gjson.ValidBytes(raw) {
		set["$:text"] = true
	} else {
		walk(gjson.ParseBytes(raw), "$", 0, cfg, set)
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if len(paths) > cfg.MaxPaths {
		paths = paths[:cfg.MaxPaths]
	}
	return &Fingerprint{Paths: paths, Version: AlgorithmVersion}
}

// TakeResult fingerprints an already-parsed gjson value.
func TakeResult(v gjson.Result, cfg Config) *Fingerprint {
	cfg.defaults()
	set := make(map[string]bool)
	walk(v, "$", 0, cfg, set)

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if len(paths) > cfg.MaxPaths {
		paths = paths[:cfg.MaxPaths]
	}
	return &Fingerprint{Paths: paths, Version: AlgorithmVersion}
}

func walk(v gjson.Result, path string, depth int, cfg Config, set map[string]bool) {
	if len(set) >= cfg.MaxPaths {
		return
	}
	switch {
	case v.IsObject():
		if depth >= cfg.MaxDepth {
			set[path+":object"] = true
			return
		}
		empty := true
		v.ForEach(func(key, val gjson.Result) bool {
			empty = false
			walk(val, path+"."+key.String(), depth+1, cfg, set)
			return len(set) < cfg.MaxPaths
		})
		if empty {
			set[path+":object"] = true
		}
	case v.IsArray():
		if depth >= cfg.MaxDepth {
			set[path+":array"] = true
			return
		}
		arr := v.Array()
		if len(arr) == 0 {
			set[path+":array"] = true
			return
		}
		n := min(len(arr), cfg.ArraySample)
		for i := 0; i < n; i++ {
			walk(arr[i], path+".[]", depth+1, cfg, set)
		}
	default:
		set[path+":"+typeName(v)] = true
	}
}

func typeName(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "bool"
	case gjson.Null:
		return "null"
	default:
		return "other"
	}
}

// Match compares two fingerprints. The score is the Jaccard similarity of
// the path sets; ok reports whether it clears the configured threshold.
// Callers log the score — threshold calibration needs the raw number.
func Match(a, b *Fingerprint, cfg Config) (score float64, ok bool) {
	cfg.defaults()
	if a == nil || b == nil {
		return 0, false
	}
	if a.Version != b.Version {
		return 0, false
	}
	if len(a.Paths) == 0 && len(b.Paths) == 0 {
		return 1, true
	}

	setA := make(map[string]bool, len(a.Paths))
	for _, p := range a.Paths {
		setA[p] = true
	}
	inter := 0
	union := len(setA)
	for _, p := range b.Paths {
		if setA[p] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0, false
	}
	score = float64(inter) / float64(union)
	return score, score >= cfg.Threshold
}

// Summary renders a short human-readable sample of the path set for logs.
func (f *Fingerprint) Summary(max int) string {
	if max <= 0 || max > len(f.Paths) {
		max = len(f.Paths)
	}
	s := strings.Join(f.Paths[:max], ", ")
	if max < len(f.Paths) {
		s += fmt.Sprintf(", … (%d more)", len(f.Paths)-max)
	}
	return s
}
