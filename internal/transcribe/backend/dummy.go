package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DummyName    = "dummy"
	dummyVersion = "0.1.0"
	dummyStep    = 0.5
	dummyConf    = 0.9
)

// Dummy derives a deterministic placeholder transcript from the file name.
type Dummy struct {
	language string
	model    string
}

var _ Backend = (*Dummy)(nil)

// NewDummy is the Factory for the dummy backend.
func NewDummy(opts Options) (Backend, error) {
	return &Dummy{language: opts.Language, model: opts.Model}, nil
}

func (d *Dummy) Name() string { return DummyName }

// Transcribe returns up to three half-second words taken from the file stem
// inside a single one-second segment.
func (d *Dummy) Transcribe(ctx context.Context, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("dummy backend: %w", err)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	tokens := strings.FieldsFunc(stem, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	switch len(tokens) {
	case 0:
		tokens = []string{"generic", "sample"}
	case 1:
		tokens = append(tokens, tokens[0]+"-tail")
	}
	if len(tokens) > 3 {
		tokens = tokens[:3]
	}

	words := make([]Word, len(tokens))
	for i, tok := range tokens {
		start := float64(i) * dummyStep
		words[i] = Word{
			Text:       tok,
			Start:      start,
			End:        start + dummyStep,
			Confidence: float64Ptr(dummyConf),
			SegmentID:  0,
			Index:      i,
		}
	}

	model := d.model
	if model == "" {
		model = "synthetic"
	}

	return &Result{
		Language: d.language,
		Segments: []Segment{{
			ID:      0,
			Text:    fmt.Sprintf("[DUMMY] %s segment", stem),
			Start:   0,
			End:     1.0,
			AvgConf: float64Ptr(dummyConf),
			Words:   append([]Word(nil), words...),
		}},
		Words: words,
		Info:  Info{"name": DummyName, "version": dummyVersion, "model": model},
	}, nil
}
