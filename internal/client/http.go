package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient makes REST calls to the fall-detection backend.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://localhost:8000").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ResolveEmergency sends POST /api/walking/emergency/{user_id}/resolve.
func (c *HTTPClient) ResolveEmergency(ctx context.Context, userID string, req ResolveRequest) (*APIResponse, error) {
	var out APIResponse
	if err := c.post(ctx, "/api/walking/emergency/"+url.PathEscape(userID)+"/resolve", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmHelpNeeded sends POST /api/walking/emergency/{user_id}/confirm-help-needed.
func (c *HTTPClient) ConfirmHelpNeeded(ctx context.Context, userID string, req HelpRequest) (*APIResponse, error) {
	var out APIResponse
	if err := c.post(ctx, "/api/walking/emergency/"+url.PathEscape(userID)+"/confirm-help-needed", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentEmergency fetches /api/walking/user/{user_id}/current-emergency.
func (c *HTTPClient) CurrentEmergency(ctx context.Context, userID string) (*EmergencyStatus, error) {
	var out APIResponse
	if err := c.get(ctx, "/api/walking/user/"+url.PathEscape(userID)+"/current-emergency", &out); err != nil {
		return nil, err
	}
	var st EmergencyStatus
	if len(out.Data) > 0 {
		if err := json.Unmarshal(out.Data, &st); err != nil {
			return nil, fmt.Errorf("decoding emergency status: %w", err)
		}
	}
	if st.UserID == "" {
		st.UserID = userID
	}
	return &st, nil
}

// Health fetches /health.
func (c *HTTPClient) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return decode(http.MethodGet, path, resp.Body, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: %d %s", path, resp.StatusCode, string(respBody))
	}
	if out != nil {
		return decode(http.MethodPost, path, resp.Body, out)
	}
	return nil
}

// decode reads the body into out. The backend reports handler failures as
// 200 with {"status":"error"}, so an APIResponse carrying that status is
// turned into an error.
func decode(method, path string, r io.Reader, out any) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	if ar, ok := out.(*APIResponse); ok && ar.Status == "error" {
		return fmt.Errorf("%s %s: backend error: %s", method, path, ar.Message)
	}
	return nil
}
