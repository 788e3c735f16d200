package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeysCommands(t *testing.T) {
	db := "sqlite://" + filepath.Join(t.TempDir(), "keys.db")
	base := []string{"--env-file", "nonexistent.env", "--database-url", db, "--log-level", "error"}
	keys := func(args ...string) (string, error) {
		return runCLI(t, append(append([]string{"keys"}, args...), base...)...)
	}

	out, err := keys("create", "--name", "ci", "--expires-days", "30", "--allowed-ip", "10.0.0.0/24")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`API key:\s+wq_\S+`), out)
	assert.Contains(t, out, "Key ID:     1")

	out, err = keys("list")
	require.NoError(t, err)
	assert.Contains(t, out, "ci")
	assert.Contains(t, out, "10.0.0.0/24")
	assert.NotContains(t, out, "API key:")

	out, err = keys("list", "--json")
	require.NoError(t, err)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, true, listed[0]["is_active"])

	out, err = keys("revoke", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Key 1 revoked")

	_, err = keys("revoke", "1")
	assert.ErrorContains(t, err, "no active key")

	out, err = keys("list", "--active-only")
	require.NoError(t, err)
	assert.Contains(t, out, "No API keys")

	_, err = keys("create", "--name", "bad", "--allowed-ip", "not-an-ip")
	assert.Error(t, err)
}

func TestClientSubmitWait(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "wq_test" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid or missing API key", "code": "unauthorized"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/transcribe/async":
			f, hdr, err := r.FormFile("file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.Close()
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]any{"id": 7, "status": "waiting", "filename": hdr.Filename, "language": r.FormValue("language")})
		case r.URL.Path == "/api/v1/transcribe/status/7":
			status := "processing"
			if polls.Add(1) > 1 {
				status = "done"
			}
			json.NewEncoder(w).Encode(map[string]any{"id": 7, "status": status, "text": "hello"})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "job 8 not found", "code": "not_found"})
		}
	}))
	defer srv.Close()

	audio := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))

	t.Run("async_without_wait", func(t *testing.T) {
		out, err := runCLI(t, "client", "--server", srv.URL, "--api-key", "wq_test", "submit", "--file", audio, "--language", "en")
		require.NoError(t, err)
		assert.Contains(t, out, `"status": "waiting"`)
		assert.Contains(t, out, `"language": "en"`)
	})

	t.Run("wait_until_done", func(t *testing.T) {
		out, err := runCLI(t, "client", "--server", srv.URL, "--api-key", "wq_test", "submit", "--file", audio, "--wait", "--timeout", "30s")
		require.NoError(t, err)
		assert.Contains(t, out, `"status": "done"`)
		assert.Contains(t, out, `"text": "hello"`)
	})

	t.Run("status_not_found", func(t *testing.T) {
		_, err := runCLI(t, "client", "--server", srv.URL, "--api-key", "wq_test", "status", "8")
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "404"), err.Error())
	})

	t.Run("bad_key", func(t *testing.T) {
		_, err := runCLI(t, "client", "--server", srv.URL, "--api-key", "wrong", "status", "7")
		assert.ErrorContains(t, err, "401")
	})

	t.Run("missing_key", func(t *testing.T) {
		t.Setenv(apiKeyEnv, "")
		_, err := runCLI(t, "client", "--server", srv.URL, "status", "7")
		assert.ErrorContains(t, err, apiKeyEnv)
	})
}
