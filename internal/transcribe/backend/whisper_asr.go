package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/taskerr"
)

const (
	WhisperASRName = "whisper-asr"

	// DefaultWhisperASRTimeout is the default HTTP request timeout.
	DefaultWhisperASRTimeout = 5 * time.Minute
)

// APIError is a non-200 response from the web service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Retryable reports whether the status is worth another attempt: 5xx,
// 408 and 429 are, other 4xx are not.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// WhisperASR talks to onerahmet/openai-whisper-asr-webservice.
type WhisperASR struct {
	baseURL        string
	httpClient     *http.Client
	language       string
	wordTimestamps bool
}

var _ Backend = (*WhisperASR)(nil)

// NewWhisperASR is the Factory for the whisper-asr backend.
func NewWhisperASR(opts Options) (Backend, error) {
	if opts.WhisperASR.URL == "" {
		return nil, errors.New("whisper-asr backend: url is required")
	}
	if _, err := url.Parse(opts.WhisperASR.URL); err != nil {
		return nil, fmt.Errorf("whisper-asr backend: parse url: %w", err)
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.WhisperASR.Timeout
		if timeout <= 0 {
			timeout = DefaultWhisperASRTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &WhisperASR{
		baseURL:        opts.WhisperASR.URL,
		httpClient:     client,
		language:       opts.Language,
		wordTimestamps: opts.WordTimestamps,
	}, nil
}

func (c *WhisperASR) Name() string { return WhisperASRName }

// Transcribe uploads the file as multipart "audio_file" and parses the
// JSON response.
func (c *WhisperASR) Transcribe(ctx context.Context, path string) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("audio_file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	reqURL, err := c.buildURL()
	if err != nil {
		return nil, taskerr.NonRetryable(fmt.Errorf("build URL: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &buf)
	if err != nil {
		return nil, taskerr.NonRetryable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		return nil, taskerr.Retryable(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		if apiErr.Retryable() {
			return nil, taskerr.Retryable(apiErr)
		}
		return nil, taskerr.NonRetryable(apiErr)
	}

	return c.parseResponse(resp.Body)
}

func (c *WhisperASR) buildURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = "/asr"
	}

	q := u.Query()
	q.Set("output", "json")
	q.Set("encode", "true")
	if c.wordTimestamps {
		q.Set("word_timestamps", "true")
	}
	if c.language != "" && c.language != "auto" {
		q.Set("language", c.language)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// whisperASRResponse is the JSON body returned with output=json.
type whisperASRResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		Words []struct {
			Word        string   `json:"word"`
			Start       float64  `json:"start"`
			End         float64  `json:"end"`
			Probability *float64 `json:"probability"`
		} `json:"words"`
	} `json:"segments"`
}

func (c *WhisperASR) parseResponse(body io.Reader) (*Result, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, taskerr.Retryable(fmt.Errorf("read response: %w", err))
	}

	var resp whisperASRResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, taskerr.NonRetryable(fmt.Errorf("parse JSON response: %w", err))
	}

	result := &Result{
		Language: resp.Language,
		Info:     Info{"name": WhisperASRName, "url": c.baseURL},
	}

	for i, seg := range resp.Segments {
		s := Segment{ID: i, Text: strings.TrimSpace(seg.Text), Start: seg.Start, End: seg.End}
		for _, w := range seg.Words {
			text := strings.TrimSpace(w.Word)
			if text == "" {
				continue
			}
			word := Word{
				Text:       text,
				Start:      w.Start,
				End:        w.End,
				Confidence: w.Probability,
				SegmentID:  i,
				Index:      len(s.Words),
			}
			s.Words = append(s.Words, word)
			result.Words = append(result.Words, word)
		}
		result.Segments = append(result.Segments, s)
	}

	if len(result.Segments) == 0 && strings.TrimSpace(resp.Text) != "" {
		result.Segments = []Segment{{ID: 0, Text: strings.TrimSpace(resp.Text)}}
	}

	return result, nil
}
