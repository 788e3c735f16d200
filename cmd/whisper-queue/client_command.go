package main

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
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultServerURL = "http://localhost:8001"
	serverEnv        = "WHISPERQ_SERVER"
	apiKeyEnv        = "WHISPERQ_API_KEY"
)

// apiClient calls a running server. It never loads the server config.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClientCommand() *cobra.Command {
	c := &apiClient{http: &http.Client{}}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Submit audio to and query a running server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.baseURL == "" {
				c.baseURL = os.Getenv(serverEnv)
			}
			if c.baseURL == "" {
				c.baseURL = defaultServerURL
			}
			c.baseURL = strings.TrimRight(c.baseURL, "/")
			if c.apiKey == "" {
				c.apiKey = os.Getenv(apiKeyEnv)
			}
			if c.apiKey == "" {
				return fmt.Errorf("an API key is required: pass --api-key or set %s", apiKeyEnv)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&c.baseURL, "server", "", "Server base URL (default $"+serverEnv+" or "+defaultServerURL+")")
	cmd.PersistentFlags().StringVar(&c.apiKey, "api-key", "", "API key (default $"+apiKeyEnv+")")

	cmd.AddCommand(newClientSubmitCommand(c))
	cmd.AddCommand(newClientStatusCommand(c))
	return cmd
}

func newClientSubmitCommand(c *apiClient) *cobra.Command {
	var file, lang string
	var sync, wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Upload an audio file for transcription",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			path := "/api/v1/transcribe/async"
			if sync {
				path = "/api/v1/transcribe"
			}
			var out map[string]any
			if err := c.upload(ctx, path, file, lang, &out); err != nil {
				return err
			}
			if sync || !wait {
				return printJSON(cmd.OutOrStdout(), out)
			}

			id, ok := out["id"].(float64)
			if !ok {
				return errors.New("server response carries no job id")
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "job %d queued, waiting for completion\n", int64(id))
			return c.waitForJob(ctx, cmd, int64(id))
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Audio file to upload")
	cmd.Flags().StringVar(&lang, "language", "", "Language hint, e.g. en or pt-BR")
	cmd.Flags().BoolVar(&sync, "sync", false, "Wait for the transcript in the same request")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll an async job until it finishes")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 = no limit)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newClientStatusCommand(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of an async job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id < 1 {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			var out map[string]any
			if err := c.get(cmd.Context(), fmt.Sprintf("/api/v1/transcribe/status/%d", id), &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func (c *apiClient) waitForJob(ctx context.Context, cmd *cobra.Command, id int64) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		var out map[string]any
		if err := c.get(ctx, fmt.Sprintf("/api/v1/transcribe/status/%d", id), &out); err != nil {
			return err
		}
		switch out["status"] {
		case "done":
			return printJSON(cmd.OutOrStdout(), out)
		case "error":
			_ = printJSON(cmd.OutOrStdout(), out)
			return fmt.Errorf("job %d failed", id)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *apiClient) upload(ctx context.Context, path, file, lang string, out any) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(file))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, out)
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out any) error {
	req.Header.Set("X-API-Key", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
