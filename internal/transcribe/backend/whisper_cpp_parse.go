package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/textnorm"
)

// epsilon is the tolerance for timestamp comparisons.
const epsilon = 1e-3

// ErrUnparseable is returned when whisper.cpp output matches no known format.
var ErrUnparseable = errors.New("unrecognized whisper.cpp output")

// flexFloat accepts JSON numbers and numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	*f = flexFloat(v)
	return nil
}

type cppOffsets struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type cppToken struct {
	Text    string     `json:"text"`
	Offsets cppOffsets `json:"offsets"`
	P       *float64   `json:"p"`
}

type cppSegment struct {
	Offsets cppOffsets `json:"offsets"`
	Text    string     `json:"text"`
	Tokens  []cppToken `json:"tokens"`
}

type plainWord struct {
	Word        string     `json:"word"`
	Text        string     `json:"text"`
	Token       string     `json:"token"`
	Start       *flexFloat `json:"start"`
	End         *flexFloat `json:"end"`
	Probability *flexFloat `json:"probability"`
	Prob        *flexFloat `json:"prob"`
	P           *flexFloat `json:"p"`
	Confidence  *flexFloat `json:"confidence"`
}

type plainSegment struct {
	Text  string      `json:"text"`
	Start *flexFloat  `json:"start"`
	End   *flexFloat  `json:"end"`
	Words []plainWord `json:"words"`
}

// cppDocument covers both the native `-oj` layout ("transcription" with
// millisecond offsets) and a flat "segments" layout in seconds.
type cppDocument struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []cppSegment   `json:"transcription"`
	Language      string         `json:"language"`
	Segments      []plainSegment `json:"segments"`
}

// ParseWhisperCppJSON parses whisper.cpp JSON output. Text around the
// outermost object is ignored.
func ParseWhisperCppJSON(raw []byte, lang string) (*Result, error) {
	start := bytes.IndexByte(raw, '{')
	end := bytes.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object", ErrUnparseable)
	}

	var doc cppDocument
	if err := json.Unmarshal(raw[start:end+1], &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	detected := lang
	switch {
	case doc.Result.Language != "":
		detected = doc.Result.Language
	case doc.Language != "":
		detected = doc.Language
	}

	res := &Result{Language: detected}
	if len(doc.Transcription) > 0 {
		for i, seg := range doc.Transcription {
			res.Segments = append(res.Segments, nativeSegment(i, seg, detected))
		}
	} else {
		for i, seg := range doc.Segments {
			res.Segments = append(res.Segments, flatSegment(i, seg, detected))
		}
	}
	res.Words = flattenWords(res.Segments)

	return res, nil
}

func nativeSegment(id int, seg cppSegment, lang string) Segment {
	s := Segment{
		ID:    id,
		Text:  strings.TrimSpace(seg.Text),
		Start: msToSec(seg.Offsets.From),
		End:   msToSec(seg.Offsets.To),
	}

	// Tokens are sub-words; a leading space starts a new word.
	var confSum float64
	var confN int
	flush := func() {
		if n := len(s.Words); n > 0 && confN > 0 {
			s.Words[n-1].Confidence = float64Ptr(confSum / float64(confN))
		}
		confSum, confN = 0, 0
	}
	for _, tok := range seg.Tokens {
		if strings.HasPrefix(tok.Text, "[_") {
			continue
		}
		text := textnorm.NormalizePunct(tok.Text)
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			continue
		}
		from, to := msToSec(tok.Offsets.From), msToSec(tok.Offsets.To)
		if len(s.Words) == 0 || strings.HasPrefix(text, " ") {
			flush()
			s.Words = append(s.Words, Word{Text: trimmed, Start: from, End: to, SegmentID: id, Index: len(s.Words)})
		} else {
			last := &s.Words[len(s.Words)-1]
			last.Text += trimmed
			last.End = to
		}
		if tok.P != nil {
			confSum += *tok.P
			confN++
		}
	}
	flush()

	if len(s.Words) == 0 {
		s.Words = fallbackWords(id, s.Text, s.Start, s.End, lang)
	}
	finishSegment(&s)
	return s
}

func flatSegment(id int, seg plainSegment, lang string) Segment {
	s := Segment{ID: id, Text: strings.TrimSpace(seg.Text)}
	if seg.Start != nil {
		s.Start = float64(*seg.Start)
	}
	s.End = s.Start
	if seg.End != nil {
		s.End = float64(*seg.End)
	}

	for _, w := range seg.Words {
		raw := firstNonEmpty(w.Word, w.Text, w.Token)
		text := textnorm.NormalizePunct(strings.TrimSpace(raw))
		if text == "" {
			continue
		}
		word := Word{Text: text, Start: s.Start, End: s.End, SegmentID: id, Index: len(s.Words)}
		if w.Start != nil {
			word.Start = float64(*w.Start)
		}
		if w.End != nil {
			word.End = float64(*w.End)
		}
		for _, c := range []*flexFloat{w.Probability, w.Prob, w.P, w.Confidence} {
			if c != nil {
				word.Confidence = float64Ptr(float64(*c))
				break
			}
		}
		s.Words = append(s.Words, word)
	}

	if len(s.Words) == 0 {
		s.Words = fallbackWords(id, s.Text, s.Start, s.End, lang)
	}
	finishSegment(&s)
	return s
}

// ParseWhisperCppTSV parses `-otsv` style output. whisper.cpp writes
// offsets in milliseconds. A header naming a word or token column switches
// to word rows grouped by an optional segment column.
func ParseWhisperCppTSV(raw string, lang string) (*Result, error) {
	var header []string
	var rows [][]string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if header == nil && len(rows) == 0 {
			cols := strings.Split(strings.TrimLeft(line, "# "), "\t")
			if isTSVHeader(cols) {
				header = lowerAll(cols)
				continue
			}
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty TSV", ErrUnparseable)
	}
	if header == nil {
		header = []string{"start", "end", "text"}
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	cell := func(row []string, names ...string) (string, bool) {
		for _, name := range names {
			if i, ok := col[name]; ok && i < len(row) {
				return strings.TrimSpace(row[i]), true
			}
		}
		return "", false
	}
	seconds := func(row []string, name string) float64 {
		v, _ := cell(row, name)
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f / 1000
	}

	res := &Result{Language: lang}
	_, wordMode := col["word"]
	if _, ok := col["token"]; ok {
		wordMode = true
	}

	if !wordMode {
		for i, row := range rows {
			text, _ := cell(row, "text")
			s := Segment{ID: i, Text: textnorm.NormalizePunct(text), Start: seconds(row, "start"), End: seconds(row, "end")}
			s.Words = fallbackWords(i, s.Text, s.Start, s.End, lang)
			finishSegment(&s)
			res.Segments = append(res.Segments, s)
		}
		res.Words = flattenWords(res.Segments)
		return res, nil
	}

	bySeg := map[int]*Segment{}
	for i, row := range rows {
		id := i
		if v, ok := cell(row, "segment", "segment_id"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				id = n
			}
		}
		s, ok := bySeg[id]
		if !ok {
			s = &Segment{ID: id, Start: -1}
			bySeg[id] = s
		}
		tok, _ := cell(row, "word", "token")
		text := textnorm.NormalizePunct(tok)
		if text == "" {
			continue
		}
		w := Word{Text: text, Start: seconds(row, "start"), End: seconds(row, "end"), SegmentID: id, Index: len(s.Words)}
		if v, ok := cell(row, "probability", "prob", "p", "confidence"); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				w.Confidence = float64Ptr(f)
			}
		}
		if s.Start < 0 || w.Start < s.Start {
			s.Start = w.Start
		}
		if w.End > s.End {
			s.End = w.End
		}
		s.Text = strings.TrimSpace(s.Text + " " + text)
		s.Words = append(s.Words, w)
	}

	ids := make([]int, 0, len(bySeg))
	for id := range bySeg {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		s := bySeg[id]
		if s.Start < 0 {
			s.Start = 0
		}
		finishSegment(s)
		res.Segments = append(res.Segments, *s)
	}
	res.Words = flattenWords(res.Segments)
	return res, nil
}

func isTSVHeader(cols []string) bool {
	for _, c := range cols {
		switch strings.ToLower(strings.TrimSpace(c)) {
		case "start", "end", "text", "word", "token", "segment", "segment_id":
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

// fallbackWords splits segment text into evenly timed words.
func fallbackWords(segID int, text string, start, end float64, lang string) []Word {
	tokens := textnorm.SplitWords(text, lang)
	if len(tokens) == 0 {
		return nil
	}

	span := end - start
	if span < 0 {
		span = 0
	}
	step := span / float64(len(tokens))

	words := make([]Word, len(tokens))
	for i, tok := range tokens {
		wEnd := start + step*float64(i+1)
		if i == len(tokens)-1 {
			wEnd = end
		}
		words[i] = Word{Text: tok, Start: start + step*float64(i), End: wEnd, SegmentID: segID, Index: i}
	}
	return words
}

// finishSegment clamps words into the segment span, keeps them monotonic
// and derives the average confidence.
func finishSegment(s *Segment) {
	lastEnd := s.Start
	var sum float64
	var n int
	for i := range s.Words {
		w := &s.Words[i]
		if w.Start < s.Start-epsilon {
			w.Start = s.Start
		}
		if w.Start < lastEnd-epsilon {
			w.Start = lastEnd
		}
		if w.End < w.Start {
			w.End = w.Start
		}
		if w.End > s.End+epsilon {
			w.End = s.End
			if w.Start > w.End {
				w.Start = w.End
			}
		}
		lastEnd = w.End
		if w.Confidence != nil {
			sum += *w.Confidence
			n++
		}
	}
	s.AvgConf = nil
	if n > 0 {
		s.AvgConf = float64Ptr(sum / float64(n))
	}
}

func flattenWords(segments []Segment) []Word {
	var words []Word
	for _, s := range segments {
		words = append(words, s.Words...)
	}
	return words
}

func msToSec(ms int64) float64 {
	return float64(ms) / 1000
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
