// Package reconcile turns raw backend output into the canonical word and
// segment artifacts.
package reconcile

import (
	"strings"
	"time"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/backend"
)

const (
	WordSchema    = "asrprogram.wordset.v1"
	SegmentSchema = "asrprogram.segmentset.v1"

	// Epsilon is the tolerance used when comparing timestamps.
	Epsilon = 1e-3

	timestampLayout = "2006-01-02T15:04:05Z"
)

// Audio describes the input file inside an artifact envelope.
type Audio struct {
	Path        string  `json:"path"`
	DurationSec float64 `json:"duration_sec"`
	Language    string  `json:"language"`
	HashSHA256  *string `json:"hash_sha256"`
}

// WordSet is the primary artifact.
type WordSet struct {
	Schema      string         `json:"schema"`
	Language    string         `json:"language"`
	Audio       Audio          `json:"audio"`
	Backend     backend.Info   `json:"backend"`
	Meta        map[string]any `json:"meta"`
	Words       []backend.Word `json:"words"`
	GeneratedAt string         `json:"generated_at"`
}

// SegmentSet is the secondary artifact.
type SegmentSet struct {
	Schema      string            `json:"schema"`
	Language    string            `json:"language"`
	Audio       Audio             `json:"audio"`
	Backend     backend.Info      `json:"backend"`
	Meta        map[string]any    `json:"meta"`
	Segments    []backend.Segment `json:"segments"`
	GeneratedAt string            `json:"generated_at"`
}

// Payload holds both artifacts for one input.
type Payload struct {
	Words    *WordSet
	Segments *SegmentSet
	// Fixes counts words whose timestamps were adjusted.
	Fixes int
}

// OverrideDuration sets the audio duration in both envelopes.
func (p *Payload) OverrideDuration(d float64) {
	p.Words.Audio.DurationSec = d
	p.Segments.Audio.DurationSec = d
}

// DurationSec returns the audio duration currently recorded.
func (p *Payload) DurationSec() float64 {
	return p.Words.Audio.DurationSec
}

// MaxSegmentEnd is the latest segment end, used when no duration is known.
func (p *Payload) MaxSegmentEnd() float64 {
	var end float64
	for _, s := range p.Segments.Segments {
		if s.End > end {
			end = s.End
		}
	}
	return end
}

// Options carries the per-task context of a reconciliation.
type Options struct {
	AudioPath   string
	Hash        string
	Language    string
	BackendName string
	Now         func() time.Time
}

// Reconcile normalizes raw. Words are made monotonic, moved into the
// segment named by their segment_id and renumbered. Words naming an
// unknown segment are dropped. The primary word list keeps the order of
// the flat stream regardless of how segments are listed.
func Reconcile(raw *backend.Result, opts Options) *Payload {
	if raw == nil {
		raw = &backend.Result{}
	}

	words := raw.Words
	if len(words) == 0 {
		for _, s := range raw.Segments {
			words = append(words, s.Words...)
		}
	}
	words = append([]backend.Word(nil), words...)
	fixes := EnforceMonotonic(words)

	segments, kept := rehome(raw.Segments, words)

	lang := raw.Language
	if lang == "" {
		lang = opts.Language
	}

	info := raw.Info
	if len(info) == 0 {
		info = backend.Info{"name": opts.BackendName}
	}

	meta := map[string]any{}
	if fixes > 0 {
		meta["postprocess"] = map[string]any{"word_monotonicity_fixes": fixes}
	}

	var hash *string
	if opts.Hash != "" {
		h := opts.Hash
		hash = &h
	}
	audio := Audio{Path: opts.AudioPath, DurationSec: raw.DurationSec, Language: lang, HashSHA256: hash}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	generated := now().UTC().Format(timestampLayout)

	if segments == nil {
		segments = []backend.Segment{}
	}

	return &Payload{
		Words: &WordSet{
			Schema: WordSchema, Language: lang, Audio: audio, Backend: info,
			Meta: meta, Words: kept, GeneratedAt: generated,
		},
		Segments: &SegmentSet{
			Schema: SegmentSchema, Language: lang, Audio: audio, Backend: info,
			Meta: meta, Segments: segments, GeneratedAt: generated,
		},
		Fixes: fixes,
	}
}

// EnforceMonotonic clamps each word so that it starts no earlier than the
// previous word ended and ends no earlier than it starts. It returns the
// number of words changed.
func EnforceMonotonic(words []backend.Word) int {
	fixes := 0
	prevEnd := 0.0
	for i := range words {
		w := &words[i]
		changed := false
		if w.Start < prevEnd-Epsilon {
			w.Start = prevEnd
			changed = true
		}
		if w.End < w.Start {
			w.End = w.Start
			changed = true
		}
		if changed {
			fixes++
		}
		prevEnd = w.End
	}
	return fixes
}

// rehome rebuilds segment word lists from words and returns the segments
// with the words that found a segment, in their original order.
func rehome(raw []backend.Segment, words []backend.Word) ([]backend.Segment, []backend.Word) {
	if len(raw) == 0 && len(words) > 0 {
		raw = []backend.Segment{synthesize(words)}
	}

	// Duplicate ids keep the first position and the last value.
	var order []int
	byID := make(map[int]backend.Segment, len(raw))
	for _, s := range raw {
		if _, seen := byID[s.ID]; !seen {
			order = append(order, s.ID)
		}
		s.Words = nil
		byID[s.ID] = s
	}

	kept := make([]backend.Word, 0, len(words))
	for _, w := range words {
		s, ok := byID[w.SegmentID]
		if !ok {
			continue
		}
		w.Index = len(s.Words)
		s.Words = append(s.Words, w)
		byID[w.SegmentID] = s
		kept = append(kept, w)
	}

	out := make([]backend.Segment, 0, len(order))
	for _, id := range order {
		s := byID[id]
		finish(&s)
		out = append(out, s)
	}
	return out, kept
}

func synthesize(words []backend.Word) backend.Segment {
	texts := make([]string, len(words))
	for i, w := range words {
		texts[i] = w.Text
	}
	id := words[0].SegmentID
	for i := range words {
		words[i].SegmentID = id
	}
	return backend.Segment{
		ID:    id,
		Text:  strings.Join(texts, " "),
		Start: words[0].Start,
		End:   words[len(words)-1].End,
	}
}

func finish(s *backend.Segment) {
	if s.Words == nil {
		s.Words = []backend.Word{}
		return
	}

	var sum float64
	var n int
	for _, w := range s.Words {
		if w.Start < s.Start {
			s.Start = w.Start
		}
		if w.End > s.End {
			s.End = w.End
		}
		if w.Confidence != nil {
			sum += *w.Confidence
			n++
		}
	}

	s.AvgConf = nil
	if n > 0 {
		avg := sum / float64(n)
		s.AvgConf = &avg
	}
}
