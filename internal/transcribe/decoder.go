package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// Decoder converts arbitrary audio to 16 kHz mono PCM WAV with ffmpeg.
type Decoder struct {
	bin    string
	runner commandRunner
}

func NewDecoder(bin string) *Decoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Decoder{bin: bin, runner: execRunner{}}
}

// Resolve finds the decoder binary on PATH and checks it is executable.
func (d *Decoder) Resolve() (string, error) {
	p, err := exec.LookPath(d.bin)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not on PATH or not executable (set FFMPEG_PATH or DECODE_AUDIO=false)", ErrDecoderMissing, d.bin)
	}
	return p, nil
}

// Decode writes a 16 kHz mono WAV copy of inputPath to a temp file.
// cleanup removes it and is safe to call on every path.
func (d *Decoder) Decode(ctx context.Context, inputPath string) (string, func(), error) {
	noop := func() {}
	bin, err := d.Resolve()
	if err != nil {
		return "", noop, err
	}

	tmp, err := os.CreateTemp("", "wq-decode-*.wav")
	if err != nil {
		return "", noop, fmt.Errorf("create temp: %w", err)
	}
	outPath := tmp.Name()
	tmp.Close()
	cleanup := func() { os.Remove(outPath) }

	res, err := d.runner.Run(ctx, bin, ffmpegArgs(inputPath, outPath)...)
	if err != nil {
		cleanup()
		return "", noop, fmt.Errorf("%w: ffmpeg exit %d: %s", ErrTranscriptionFailed, res.ExitCode, tail(res.Stderr, 300))
	}
	return outPath, cleanup, nil
}

func ffmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
