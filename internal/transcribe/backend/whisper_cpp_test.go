package backend

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/command"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/taskerr"
)

const nativeJSON = `{
  "systeminfo": "AVX = 1",
  "result": {"language": "en"},
  "transcription": [
    {
      "timestamps": {"from": "00:00:00,000", "to": "00:00:02,000"},
      "offsets": {"from": 0, "to": 2000},
      "text": " Hello world.",
      "tokens": [
        {"text": "[_BEG_]", "offsets": {"from": 0, "to": 0}, "p": 0.99},
        {"text": " Hel", "offsets": {"from": 0, "to": 400}, "p": 0.8},
        {"text": "lo", "offsets": {"from": 400, "to": 700}, "p": 0.6},
        {"text": " world", "offsets": {"from": 800, "to": 1500}, "p": 0.9},
        {"text": ".", "offsets": {"from": 1500, "to": 1600}, "p": 0.5}
      ]
    },
    {
      "offsets": {"from": 2000, "to": 4000},
      "text": " two words",
      "tokens": []
    }
  ]
}`

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func newCpp(t *testing.T, runner command.Runner) *WhisperCpp {
	t.Helper()
	b, err := NewWhisperCpp(Options{
		Language:       "en",
		WordTimestamps: true,
		WhisperCpp: WhisperCppConfig{
			ExecutablePath: "/opt/whisper/main",
			ModelPath:      "/models/ggml-base.bin",
			Threads:        4,
			BeamSize:       5,
		},
		Runner: runner,
	})
	require.NoError(t, err)
	return b.(*WhisperCpp)
}

func TestWhisperCpp_Args(t *testing.T) {
	b := newCpp(t, nil)
	args := b.Args("/in/a.wav", "/tmp/out")

	assert.Equal(t, "/models/ggml-base.bin", argValue(args, "-m"))
	assert.Equal(t, "/in/a.wav", argValue(args, "-f"))
	assert.Equal(t, "en", argValue(args, "-l"))
	assert.Equal(t, "/tmp/out", argValue(args, "-of"))
	assert.Equal(t, "5", argValue(args, "-bs"))
	assert.Equal(t, "4", argValue(args, "-t"))
	assert.Contains(t, args, "-oj")
	assert.Contains(t, args, "-ojf")
	assert.NotContains(t, args, "-tp")
}

func TestWhisperCpp_TranscribeReadsJSONFile(t *testing.T) {
	runner := command.Func(func(ctx context.Context, name string, args ...string) (command.Result, error) {
		assert.Equal(t, "/opt/whisper/main", name)
		out := argValue(args, "-of") + ".json"
		require.NoError(t, os.WriteFile(out, []byte(nativeJSON), 0o644))
		return command.Result{Command: name, Args: args}, nil
	})

	res, err := newCpp(t, runner).Transcribe(context.Background(), writeAudio(t, "a.wav"))
	require.NoError(t, err)

	assert.Equal(t, "en", res.Language)
	require.Len(t, res.Segments, 2)

	first := res.Segments[0]
	require.Len(t, first.Words, 2)
	assert.Equal(t, "Hello", first.Words[0].Text)
	assert.InDelta(t, 0.0, first.Words[0].Start, 1e-9)
	assert.InDelta(t, 0.7, first.Words[0].End, 1e-9)
	require.NotNil(t, first.Words[0].Confidence)
	assert.InDelta(t, 0.7, *first.Words[0].Confidence, 1e-9)
	assert.Equal(t, "world.", first.Words[1].Text)
	assert.InDelta(t, 1.6, first.Words[1].End, 1e-9)

	second := res.Segments[1]
	require.Len(t, second.Words, 2, "text without tokens is split evenly")
	assert.InDelta(t, 2.0, second.Words[0].Start, 1e-9)
	assert.InDelta(t, 3.0, second.Words[0].End, 1e-9)
	assert.InDelta(t, 4.0, second.Words[1].End, 1e-9)
	assert.Nil(t, second.AvgConf)

	assert.Len(t, res.Words, 4)
	assert.Equal(t, WhisperCppName, res.Info["name"])
}

func TestWhisperCpp_StdoutFallback(t *testing.T) {
	runner := command.Func(func(ctx context.Context, name string, args ...string) (command.Result, error) {
		return command.Result{Stdout: "start\tend\ttext\n0\t1500\thello there\n1500\t3000\tbye\n"}, nil
	})

	res, err := newCpp(t, runner).Transcribe(context.Background(), writeAudio(t, "a.wav"))
	require.NoError(t, err)

	require.Len(t, res.Segments, 2)
	assert.InDelta(t, 1.5, res.Segments[0].End, 1e-9)
	assert.Equal(t, []string{"hello", "there", "bye"}, wordTexts(res.Words))
}

func TestWhisperCpp_Errors(t *testing.T) {
	t.Run("process failure is retryable", func(t *testing.T) {
		runner := command.Func(func(ctx context.Context, name string, args ...string) (command.Result, error) {
			res := command.Result{ExitCode: 1, Stderr: "out of memory"}
			return res, &command.Error{Stage: name, Result: res, Err: errors.New("exit status 1")}
		})
		_, err := newCpp(t, runner).Transcribe(context.Background(), writeAudio(t, "a.wav"))
		require.Error(t, err)
		assert.Equal(t, taskerr.KindRetryable, taskerr.Classify(err))
		assert.Contains(t, err.Error(), "out of memory")
	})

	t.Run("unparseable output is fatal", func(t *testing.T) {
		runner := command.Func(func(ctx context.Context, name string, args ...string) (command.Result, error) {
			return command.Result{}, nil
		})
		_, err := newCpp(t, runner).Transcribe(context.Background(), writeAudio(t, "a.wav"))
		require.Error(t, err)
		assert.Equal(t, taskerr.KindNonRetryable, taskerr.Classify(err))
		assert.ErrorIs(t, err, ErrUnparseable)
	})

	t.Run("missing input is fatal", func(t *testing.T) {
		_, err := newCpp(t, nil).Transcribe(context.Background(), "/nonexistent.wav")
		require.Error(t, err)
		assert.Equal(t, taskerr.KindNonRetryable, taskerr.Classify(err))
	})
}

func TestParseWhisperCppJSON_FlatSegments(t *testing.T) {
	raw := `progress 100%
{"language": "zh", "segments": [
  {"start": "0.5", "end": 2.0, "text": "你好，世界",
   "words": [
     {"token": "你好", "start": 0.2, "end": 1.0, "prob": 0.5},
     {"word": "世界", "start": 0.9, "end": 2.5, "confidence": 0.7}
   ]}
]}
trailing`

	res, err := ParseWhisperCppJSON([]byte(raw), "auto")
	require.NoError(t, err)

	assert.Equal(t, "zh", res.Language)
	require.Len(t, res.Segments, 1)
	seg := res.Segments[0]
	require.Len(t, seg.Words, 2)

	// Clamped into [0.5, 2.0] and kept monotonic.
	assert.InDelta(t, 0.5, seg.Words[0].Start, 1e-9)
	assert.InDelta(t, 1.0, seg.Words[1].Start, 1e-9)
	assert.InDelta(t, 2.0, seg.Words[1].End, 1e-9)
	require.NotNil(t, seg.AvgConf)
	assert.InDelta(t, 0.6, *seg.AvgConf, 1e-9)
}

func TestParseWhisperCppJSON_FallbackSplitsCJK(t *testing.T) {
	raw := `{"segments": [{"start": 0, "end": 3, "text": "你好ok"}]}`

	res, err := ParseWhisperCppJSON([]byte(raw), "zh")
	require.NoError(t, err)
	assert.Equal(t, []string{"你", "好", "ok"}, wordTexts(res.Words))
	assert.InDelta(t, 1.0, res.Words[0].End, 1e-9)
}

func TestParseWhisperCppJSON_Invalid(t *testing.T) {
	_, err := ParseWhisperCppJSON([]byte("no json here"), "en")
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = ParseWhisperCppJSON([]byte("{broken"), "en")
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestParseWhisperCppTSV_WordMode(t *testing.T) {
	raw := "start\tend\tword\tprobability\tsegment\n" +
		"0\t400\thi\t0.9\t0\n" +
		"400\t900\tthere\t0.7\t0\n" +
		"1000\t1500\tagain\tx\t1\n"

	res, err := ParseWhisperCppTSV(raw, "en")
	require.NoError(t, err)

	require.Len(t, res.Segments, 2)
	assert.Equal(t, "hi there", res.Segments[0].Text)
	assert.InDelta(t, 0.9, res.Segments[0].End, 1e-9)
	require.NotNil(t, res.Segments[0].AvgConf)
	assert.InDelta(t, 0.8, *res.Segments[0].AvgConf, 1e-9)
	assert.Nil(t, res.Segments[1].Words[0].Confidence)
	assert.InDelta(t, 1.0, res.Segments[1].Start, 1e-9)
}

func TestParseWhisperCppTSV_Empty(t *testing.T) {
	_, err := ParseWhisperCppTSV("start\tend\ttext\n", "en")
	assert.ErrorIs(t, err, ErrUnparseable)
}

func wordTexts(words []Word) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = w.Text
	}
	return out
}
