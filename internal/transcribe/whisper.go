package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// WhisperLoader connects to an OpenAI-compatible /v1/audio/transcriptions
// server (speaches, faster-whisper-server, whisper-server).
type WhisperLoader struct {
	baseURL string
	client  *http.Client
}

// NewWhisperLoader creates a loader for the server at baseURL.
// The HTTP client carries no timeout; Engine applies the per-call deadline.
func NewWhisperLoader(baseURL string) *WhisperLoader {
	return &WhisperLoader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (l *WhisperLoader) Name() string { return "whisper" }

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Load probes GET /v1/models. Servers that do not implement the endpoint
// (404) are accepted; otherwise the model must be listed when the list is
// non-empty.
func (l *WhisperLoader) Load(ctx context.Context, modelName string) (Model, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe whisper server: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	m := &whisperModel{url: l.baseURL + "/v1/audio/transcriptions", model: modelName, client: l.client}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return m, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("probe whisper server: status %d: %s", resp.StatusCode, tail(string(body), 200))
	}

	var list modelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	if len(list.Data) == 0 || modelName == "" {
		return m, nil
	}
	for _, d := range list.Data {
		if servesModel(d.ID, modelName) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("model %q not served by %s", modelName, l.baseURL)
}

// servesModel matches a listed id such as "Systran/faster-whisper-base"
// against a short name like "base".
func servesModel(id, name string) bool {
	if id == name {
		return true
	}
	last := path.Base(id)
	return last == name || strings.HasSuffix(last, "-"+name)
}

type whisperModel struct {
	url    string
	model  string
	client *http.Client
}

func (m *whisperModel) Name() string { return m.model }

// verboseResponse is the verbose_json body shared by OpenAI-compatible
// servers and DeepInfra.
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (v *verboseResponse) result() *Result {
	r := &Result{Text: v.Text, Language: v.Language, Duration: v.Duration}
	for _, s := range v.Segments {
		r.Segments = append(r.Segments, Segment{ID: s.ID, Start: s.Start, End: s.End, Text: s.Text})
	}
	return r
}

func (m *whisperModel) Transcribe(ctx context.Context, audioPath string, opts Options) (*Result, error) {
	fields := map[string]string{
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "segment",
		"temperature":               "0",
	}
	if m.model != "" {
		fields["model"] = m.model
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}

	body, contentType, err := multipartBody("file", audioPath, fields)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var out verboseResponse
	if err := doJSON(m.client, req, "whisper", &out); err != nil {
		return nil, err
	}
	return out.result(), nil
}

// multipartBody builds a multipart form with the audio file under fileField.
func multipartBody(fileField, audioPath string, fields map[string]string) (*bytes.Buffer, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(fileField, filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy audio data: %w", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// doJSON sends req and decodes a 200 response into out. Transport failures
// and gateway statuses mean the engine is unreachable; other non-200
// statuses are per-file failures.
func doJSON(client *http.Client, req *http.Request, provider string, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s request: %w", ErrEngineUnavailable, provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s API error (status %d): %s", ErrEngineUnavailable, provider, resp.StatusCode, tail(string(body), 300))
	default:
		return fmt.Errorf("%s API error (status %d): %s", provider, resp.StatusCode, tail(string(body), 300))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
