package recording

import (
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
)

// sampler produces bounded content samples for exchanges. HTML goes
// through sanitize + markdown conversion so the analyzer (and the model
// behind it) sees readable text instead of markup soup; JSON and text are
// truncated as-is; binary bodies yield no sample.
type sampler struct {
	maxBytes  int
	sanitizer *bluemonday.Policy
	md        *converter.Converter
}

func newSampler(maxBytes int) *sampler {
	return &sampler{
		maxBytes:  maxBytes,
		sanitizer: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

func (s *sampler) sample(contentType string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return s.sampleHTML(body)
	case strings.Contains(ct, "json"),
		strings.Contains(ct, "text"),
		strings.Contains(ct, "xml"),
		strings.Contains(ct, "javascript"):
		return Scrub(truncateUTF8(string(body), s.maxBytes))
	default:
		// Binary: no sample. Size and content type are signal enough.
		return ""
	}
}

func (s *sampler) sampleHTML(body []byte) string {
	clean := s.sanitizer.SanitizeBytes(body)
	md, err := s.md.ConvertString(string(clean))
	if err != nil {
		md = string(clean)
	}
	return Scrub(truncateUTF8(md, s.maxBytes))
}

// truncateUTF8 cuts s at max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
