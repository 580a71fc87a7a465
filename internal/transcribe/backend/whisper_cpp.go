package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/command"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/taskerr"
)

const (
	WhisperCppName = "whisper.cpp"

	// DefaultWhisperCppTimeout bounds a single whisper.cpp invocation.
	DefaultWhisperCppTimeout = 30 * time.Minute
)

// WhisperCpp runs a local whisper.cpp binary.
type WhisperCpp struct {
	cfg            WhisperCppConfig
	language       string
	wordTimestamps bool
	runner         command.Runner
}

var _ Backend = (*WhisperCpp)(nil)

// NewWhisperCpp is the Factory for the whisper.cpp backend.
func NewWhisperCpp(opts Options) (Backend, error) {
	cfg := opts.WhisperCpp
	if cfg.ExecutablePath == "" {
		return nil, errors.New("whisper.cpp backend: executable_path is required")
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper.cpp backend: model_path is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWhisperCppTimeout
	}

	runner := opts.Runner
	if runner == nil {
		runner = command.ExecRunner{}
	}

	return &WhisperCpp{
		cfg:            cfg,
		language:       opts.Language,
		wordTimestamps: opts.WordTimestamps,
		runner:         runner,
	}, nil
}

func (w *WhisperCpp) Name() string { return WhisperCppName }

// Args builds the command line for one input. outBase is passed to -of so
// the JSON document lands at outBase+".json".
func (w *WhisperCpp) Args(path, outBase string) []string {
	lang := w.language
	if lang == "" {
		lang = "auto"
	}
	args := []string{
		"-m", w.cfg.ModelPath,
		"-f", path,
		"-l", lang,
		"-oj",
		"-of", outBase,
		"-np",
	}
	if w.wordTimestamps {
		args = append(args, "-ojf")
	}
	if w.cfg.BeamSize > 0 {
		args = append(args, "-bs", strconv.Itoa(w.cfg.BeamSize))
	}
	if w.cfg.Temperature > 0 {
		args = append(args, "-tp", strconv.FormatFloat(w.cfg.Temperature, 'f', -1, 64))
	}
	if w.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(w.cfg.Threads))
	}
	return args
}

// Transcribe runs whisper.cpp and parses the JSON file it writes. When the
// file is missing, stdout is parsed as JSON and then as TSV.
func (w *WhisperCpp) Transcribe(ctx context.Context, path string) (*Result, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, taskerr.NonRetryable(fmt.Errorf("whisper.cpp: %w", err))
	}

	tmpDir, err := os.MkdirTemp("", "asrprogram-whispercpp-")
	if err != nil {
		return nil, taskerr.Retryable(fmt.Errorf("whisper.cpp: temp dir: %w", err))
	}
	defer os.RemoveAll(tmpDir)
	outBase := filepath.Join(tmpDir, "out")

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	res, err := w.runner.Run(runCtx, w.cfg.ExecutablePath, w.Args(path, outBase)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("whisper.cpp: %w", ctx.Err())
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, taskerr.NonRetryable(fmt.Errorf("whisper.cpp: %w", err))
		}
		return nil, taskerr.Retryable(fmt.Errorf("whisper.cpp: %w", err))
	}

	result, err := w.parseOutput(outBase+".json", res.Stdout)
	if err != nil {
		return nil, taskerr.NonRetryable(fmt.Errorf("whisper.cpp: %w", err))
	}

	result.Info = Info{
		"name":       WhisperCppName,
		"executable": w.cfg.ExecutablePath,
		"model":      w.cfg.ModelPath,
		"beam_size":  w.cfg.BeamSize,
		"threads":    w.cfg.Threads,
	}
	return result, nil
}

func (w *WhisperCpp) parseOutput(jsonPath, stdout string) (*Result, error) {
	if data, err := os.ReadFile(jsonPath); err == nil {
		return ParseWhisperCppJSON(data, w.language)
	}

	if strings.Contains(stdout, "{") {
		if res, err := ParseWhisperCppJSON([]byte(stdout), w.language); err == nil {
			return res, nil
		}
	}
	return ParseWhisperCppTSV(stdout, w.language)
}
