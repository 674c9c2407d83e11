package analyze

import (
	"sort"

	"github.com/tidwall/gjson"
)

// ExtractionCandidates pre-computes the legal extraction expressions for a
// structured content sample. The model chooses among these by index — it
// never writes an expression of its own. The empty expression (whole
// body) is always last.
//
// Candidates are gjson paths to arrays of objects (the usual shape of a
// result list), ordered by descending element count.
func ExtractionCandidates(sample string) []string {
	type arrayPath struct {
		path string
		n    int
	}
	var found []arrayPath

	if gjson.Valid(sample) {
		var walk func(v gjson.Result, path string, depth int)
		walk = func(v gjson.Result, path string, depth int) {
			if depth > 4 {
				return
			}
			if v.IsArray() {
				arr := v.Array()
				if len(arr) > 0 && arr[0].IsObject() && path != "" {
					found = append(found, arrayPath{path: path, n: len(arr)})
				}
				return
			}
			if v.IsObject() {
				v.ForEach(func(key, val gjson.Result) bool {
					p := key.String()
					if path != "" {
						p = path + "." + p
					}
					walk(val, p, depth+1)
					return true
				})
			}
		}
		walk(gjson.Parse(sample), "", 0)
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].n > found[j].n })

	out := make([]string, 0, len(found)+1)
	for _, f := range found {
		out = append(out, f.path)
	}
	out = append(out, "")
	return out
}

// bestExtraction is the heuristic pick: the largest array-of-objects path,
// or no extraction when the sample has none.
func bestExtraction(sample string) string {
	return ExtractionCandidates(sample)[0]
}
