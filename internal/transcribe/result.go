package transcribe

import (
	"math"
	"strings"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// Result is the transcription contract every provider returns.
type Result struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Segment is a timestamped span of the transcript.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// normalizeResult enforces the result contract on provider output:
//   - text is trimmed
//   - segments with non-finite or negative times, or end before start, are
//     dropped and the rest renumbered from 0
//   - duration falls back to the last segment end
//   - language is reduced to an ISO 639-1 code, falling back to the hint
//     and then to detection on the text
func normalizeResult(r *Result, hint string) *Result {
	out := &Result{Text: strings.TrimSpace(r.Text)}

	for _, s := range r.Segments {
		if !validTime(s.Start) || !validTime(s.End) || s.End < s.Start {
			continue
		}
		out.Segments = append(out.Segments, Segment{
			ID:    len(out.Segments),
			Start: s.Start,
			End:   s.End,
			Text:  strings.TrimSpace(s.Text),
		})
	}
	if out.Segments == nil {
		out.Segments = []Segment{}
	}

	out.Duration = r.Duration
	if !validTime(out.Duration) || out.Duration == 0 {
		out.Duration = 0
		if n := len(out.Segments); n > 0 {
			out.Duration = out.Segments[n-1].End
		}
	}

	out.Language = languageCode(r.Language)
	if out.Language == "" {
		out.Language = languageCode(hint)
	}
	if out.Language == "" && out.Text != "" {
		out.Language = whatlanggo.DetectLang(out.Text).Iso6391()
	}
	return out
}

func validTime(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// languageCode returns the ISO 639-1 base of a BCP 47 tag, or "" when the
// value does not parse (e.g. "english" from verbose_json servers).
func languageCode(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	tag, err := language.Parse(s)
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}
