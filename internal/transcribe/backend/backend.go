// Package backend defines the transcription backend contract and the
// registry that selects an implementation by name.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/command"
)

// ErrUnknownBackend is returned by Registry.New for an unregistered name.
var ErrUnknownBackend = errors.New("unknown backend")

// Word is one timed word as returned by a backend.
type Word struct {
	Text       string   `json:"text"`
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Confidence *float64 `json:"confidence"`
	SegmentID  int      `json:"segment_id"`
	Index      int      `json:"index"`
}

// Segment is one timed span of text.
type Segment struct {
	ID      int      `json:"id"`
	Text    string   `json:"text"`
	Start   float64  `json:"start"`
	End     float64  `json:"end"`
	AvgConf *float64 `json:"avg_conf"`
	Words   []Word   `json:"words"`
}

// Info describes the backend that produced a result.
type Info map[string]any

// Result is the raw output of one transcription.
type Result struct {
	Language    string
	DurationSec float64
	Segments    []Segment
	Words       []Word
	Info        Info
}

// Backend transcribes a single audio file.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, path string) (*Result, error)
}

// WhisperASRConfig configures the whisper-asr-webservice backend.
type WhisperASRConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// WhisperCppConfig configures the whisper.cpp subprocess backend.
type WhisperCppConfig struct {
	ExecutablePath string        `mapstructure:"executable_path" yaml:"executable_path"`
	ModelPath      string        `mapstructure:"model_path" yaml:"model_path"`
	Threads        int           `mapstructure:"threads" yaml:"threads"`
	BeamSize       int           `mapstructure:"beam_size" yaml:"beam_size"`
	Temperature    float64       `mapstructure:"temperature" yaml:"temperature"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Options is handed to every Factory.
type Options struct {
	Language       string
	Model          string
	WordTimestamps bool
	WhisperASR     WhisperASRConfig
	WhisperCpp     WhisperCppConfig

	// HTTPClient overrides the client used by HTTP backends.
	HTTPClient *http.Client
	// Runner overrides process execution for subprocess backends.
	Runner command.Runner
}

// Factory builds a Backend from Options.
type Factory func(opts Options) (Backend, error)

type entry struct {
	factory   Factory
	reentrant bool
}

// Registry maps backend names to factories.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// DefaultRegistry returns a registry holding the built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(DummyName, NewDummy, true)
	r.Register(WhisperASRName, NewWhisperASR, true)
	// Concurrent whisper.cpp invocations each load the full model.
	r.Register(WhisperCppName, NewWhisperCpp, false)
	return r
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces a factory. reentrant declares whether one
// instance may serve concurrent Transcribe calls.
func (r *Registry) Register(name string, f Factory, reentrant bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizeName(name)] = entry{factory: f, reentrant: reentrant}
}

// New builds the backend registered under name.
func (r *Registry) New(name string, opts Options) (Backend, error) {
	r.mu.RLock()
	e, ok := r.entries[normalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownBackend, name, strings.Join(r.Names(), ", "))
	}
	return e.factory(opts)
}

// Reentrant reports the flag registered with name.
func (r *Registry) Reentrant(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[normalizeName(name)].reentrant
}

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serialize wraps b so that at most one Transcribe call runs at a time.
func Serialize(b Backend) Backend {
	return &serialized{backend: b}
}

type serialized struct {
	mu      sync.Mutex
	backend Backend
}

func (s *serialized) Name() string {
	return s.backend.Name()
}

func (s *serialized) Transcribe(ctx context.Context, path string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Transcribe(ctx, path)
}

func float64Ptr(v float64) *float64 {
	return &v
}
