package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/anstrom/lanwatch/internal/config"
)

const maxOpsErrorBody = 4096

// opsClient talks to the control routes of a running daemon.
type opsClient struct {
	baseURL    string
	httpClient *http.Client
}

// opsError is a non-2xx answer from the daemon.
type opsError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *opsError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("daemon refused request (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("daemon refused request (status %d): %s", e.StatusCode, e.Message)
}

func newOpsClient(cfg *config.Config) *opsClient {
	host := cfg.Ops.ListenAddr
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return &opsClient{
		baseURL:    "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Ops.Port)),
		httpClient: &http.Client{},
	}
}

// post sends an empty POST and decodes a JSON answer into out when it is
// not nil. The request lives as long as ctx.
func (c *opsClient) post(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeOpsError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode daemon response: %w", err)
	}
	return nil
}

func decodeOpsError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxOpsErrorBody))
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return &opsError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &opsError{StatusCode: resp.StatusCode, Code: payload.Code, Message: payload.Error}
}
