package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/models"
)

// maxResponseBytes caps how much of a backend reply is read into memory.
const maxResponseBytes = 64 * 1024 * 1024

// BackendClient calls a remote inference server over HTTP. The server takes
// the generation parameters as JSON (source image base64-encoded by the JSON
// codec) and replies with raw PNG bytes on success.
type BackendClient struct {
	url        string
	httpClient *http.Client
}

// NewBackendClient builds a client for the given endpoint. The timeout bounds
// a single generation round trip; the worker applies the job timeout on top
// via context.
func NewBackendClient(url string, timeout time.Duration) *BackendClient {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &BackendClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type backendErrorBody struct {
	Error string `json:"error"`
}

func (c *BackendClient) Generate(ctx context.Context, params models.GenerationParams) ([]byte, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call generation backend: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read generation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backendError(resp.StatusCode, data)
	}
	if len(data) == 0 {
		return nil, &BackendError{Message: "backend returned an empty image"}
	}
	return data, nil
}

// backendError decodes the server's error payload. Insufficient-storage
// replies and CUDA OOM messages are flagged as resource exhaustion, matching
// how the inference side reports memory pressure.
func backendError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var parsed backendErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		msg = parsed.Error
	}
	if msg == "" {
		msg = fmt.Sprintf("backend returned status %d", status)
	}
	exhausted := status == http.StatusInsufficientStorage ||
		strings.Contains(strings.ToLower(msg), "out of memory")
	return &BackendError{Message: msg, ResourceExhausted: exhausted}
}
