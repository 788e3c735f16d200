package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WhisperCppLoader runs a local whisper.cpp CLI (whisper-cli / main).
type WhisperCppLoader struct {
	bin       string
	modelPath string
	runner    commandRunner
}

func NewWhisperCppLoader(bin, modelPath string) *WhisperCppLoader {
	if bin == "" {
		bin = "whisper-cli"
	}
	return &WhisperCppLoader{bin: bin, modelPath: modelPath, runner: execRunner{}}
}

func (l *WhisperCppLoader) Name() string { return "whispercpp" }

// Load resolves the binary and checks the ggml model file. modelName is
// only used for logs; the file at WHISPERCPP_MODEL_PATH is what runs.
func (l *WhisperCppLoader) Load(_ context.Context, modelName string) (Model, error) {
	bin, err := exec.LookPath(l.bin)
	if err != nil {
		return nil, fmt.Errorf("%q is not on PATH or not executable (set WHISPERCPP_BIN)", l.bin)
	}
	if l.modelPath == "" {
		return nil, fmt.Errorf("WHISPERCPP_MODEL_PATH is not set")
	}
	info, err := os.Stat(l.modelPath)
	if err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("model file %s is not a regular file", l.modelPath)
	}
	name := modelName
	if name == "" {
		name = filepath.Base(l.modelPath)
	}
	return &whisperCppModel{bin: bin, modelPath: l.modelPath, name: name, runner: l.runner}, nil
}

type whisperCppModel struct {
	bin       string
	modelPath string
	name      string
	runner    commandRunner
}

func (m *whisperCppModel) Name() string { return m.name }

// cppOutput is the -oj file layout. Offsets are milliseconds.
type cppOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func (m *whisperCppModel) Transcribe(ctx context.Context, audioPath string, opts Options) (*Result, error) {
	dir, err := os.MkdirTemp("", "wq-whispercpp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	base := filepath.Join(dir, "out")

	res, err := m.runner.Run(ctx, m.bin, whisperCppArgs(m.modelPath, audioPath, base, opts.Language)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("whisper.cpp exit %d: %s", res.ExitCode, tail(res.Stderr, 300))
	}

	data, err := os.ReadFile(base + ".json")
	if err != nil {
		return nil, fmt.Errorf("read whisper.cpp output: %w", err)
	}
	return parseCppOutput(data)
}

func whisperCppArgs(modelPath, audioPath, outBase, lang string) []string {
	args := []string{"-m", modelPath, "-f", audioPath, "-of", outBase, "-oj", "-np"}
	if lang == "" {
		lang = "auto"
	}
	return append(args, "-l", lang)
}

func parseCppOutput(data []byte) (*Result, error) {
	var out cppOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode whisper.cpp output: %w", err)
	}
	r := &Result{Language: out.Result.Language}
	var text strings.Builder
	for i, t := range out.Transcription {
		r.Segments = append(r.Segments, Segment{
			ID:    i,
			Start: float64(t.Offsets.From) / 1000,
			End:   float64(t.Offsets.To) / 1000,
			Text:  t.Text,
		})
		text.WriteString(t.Text)
	}
	r.Text = text.String()
	return r, nil
}
