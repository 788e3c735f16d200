package transcribe

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeResult(t *testing.T) {
	in := &Result{
		Text: "  the quick brown fox jumps over the lazy dog  ",
		Segments: []Segment{
			{ID: 7, Start: 0, End: 1.2, Text: " the quick "},
			{ID: 8, Start: math.NaN(), End: 2, Text: "nan"},
			{ID: 9, Start: 3, End: 2, Text: "backwards"},
			{ID: 10, Start: -1, End: 2, Text: "negative"},
			{ID: 11, Start: 1.2, End: math.Inf(1), Text: "inf"},
			{ID: 12, Start: 1.2, End: 2.5, Text: "brown fox"},
		},
	}
	out := normalizeResult(in, "")

	assert.Equal(t, "the quick brown fox jumps over the lazy dog", out.Text)
	require.Len(t, out.Segments, 2)
	assert.Equal(t, 0, out.Segments[0].ID)
	assert.Equal(t, 1, out.Segments[1].ID)
	assert.Equal(t, "the quick", out.Segments[0].Text)
	assert.Equal(t, 2.5, out.Duration, "duration falls back to last segment end")
	assert.Equal(t, "en", out.Language, "language detected from text")
}

func TestNormalizeResultLanguage(t *testing.T) {
	tests := []struct {
		name     string
		reported string
		hint     string
		text     string
		want     string
	}{
		{"reported code", "es", "pt", "hola", "es"},
		{"reported tag", "pt-BR", "", "x", "pt"},
		{"name falls back to hint", "english", "de", "x", "de"},
		{"empty text no detection", "", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := normalizeResult(&Result{Text: tt.text, Language: tt.reported}, tt.hint)
			assert.Equal(t, tt.want, out.Language)
		})
	}
}

func TestNormalizeResultKeepsReportedDuration(t *testing.T) {
	out := normalizeResult(&Result{Text: "x", Duration: 9, Segments: []Segment{{Start: 0, End: 2}}}, "en")
	assert.Equal(t, 9.0, out.Duration)
	out = normalizeResult(&Result{Text: "x", Duration: math.NaN()}, "en")
	assert.Equal(t, 0.0, out.Duration)
	assert.Empty(t, out.Segments)
}

type fakeRunner struct {
	name string
	args []string
	res  commandResult
	err  error
	hook func(args []string)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (commandResult, error) {
	f.name, f.args = name, args
	if f.hook != nil {
		f.hook(args)
	}
	return f.res, f.err
}

func TestDecoder(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r := &fakeRunner{}
		d := &Decoder{bin: "sh", runner: r}
		out, cleanup, err := d.Decode(context.Background(), "/in/call.m4a")
		require.NoError(t, err)

		assert.Contains(t, r.args, "/in/call.m4a")
		assert.Contains(t, r.args, "16000")
		assert.Equal(t, out, r.args[len(r.args)-1])
		_, err = os.Stat(out)
		require.NoError(t, err)

		cleanup()
		_, err = os.Stat(out)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("ffmpeg failure removes output", func(t *testing.T) {
		var out string
		r := &fakeRunner{
			res:  commandResult{Stderr: "Invalid data found when processing input", ExitCode: 1},
			err:  errors.New("exit status 1"),
			hook: func(args []string) { out = args[len(args)-1] },
		}
		d := &Decoder{bin: "sh", runner: r}
		_, cleanup, err := d.Decode(context.Background(), "/in/bad.wav")
		cleanup()
		require.ErrorIs(t, err, ErrTranscriptionFailed)
		assert.Contains(t, err.Error(), "Invalid data")
		_, statErr := os.Stat(out)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("binary missing", func(t *testing.T) {
		_, err := NewDecoder("wq-no-such-ffmpeg").Resolve()
		assert.ErrorIs(t, err, ErrDecoderMissing)
		assert.Contains(t, err.Error(), "wq-no-such-ffmpeg")
	})
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("  abc\n", 10))
	assert.Equal(t, "...def", tail("abcdef", 3))
}
