package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const deepInfraBaseURL = "https://api.deepinfra.com/v1/inference/"

// DeepInfraLoader targets DeepInfra's native inference API for Whisper models.
type DeepInfraLoader struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewDeepInfraLoader(apiKey string) *DeepInfraLoader {
	return &DeepInfraLoader{apiKey: apiKey, baseURL: deepInfraBaseURL, client: &http.Client{}}
}

func (l *DeepInfraLoader) Name() string { return "deepinfra" }

// Load only checks the API key; DeepInfra has no cheap model probe.
// Bare sizes like "large-v3" map to "openai/whisper-large-v3".
func (l *DeepInfraLoader) Load(_ context.Context, modelName string) (Model, error) {
	if strings.TrimSpace(l.apiKey) == "" {
		return nil, errors.New("DEEPINFRA_API_KEY is not set")
	}
	if modelName == "" {
		modelName = "base"
	}
	if !strings.Contains(modelName, "/") {
		modelName = "openai/whisper-" + modelName
	}
	return &deepInfraModel{
		url:    l.baseURL + modelName,
		model:  modelName,
		apiKey: l.apiKey,
		client: l.client,
	}, nil
}

type deepInfraModel struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

func (m *deepInfraModel) Name() string { return m.model }

// Transcribe posts the file under the "audio" field, DeepInfra's convention.
func (m *deepInfraModel) Transcribe(ctx context.Context, audioPath string, opts Options) (*Result, error) {
	fields := map[string]string{}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	body, contentType, err := multipartBody("audio", audioPath, fields)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	var out verboseResponse
	if err := doJSON(m.client, req, "deepinfra", &out); err != nil {
		return nil, err
	}
	return out.result(), nil
}
