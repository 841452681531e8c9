package share

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// 响应体最多读 1MB
const maxResponseBytes = 1 << 20

// client 调用远端分享服务
type client struct {
	baseURL    string
	httpClient *http.Client
}

func newClient(serverURL string, httpClient *http.Client) (*client, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("share: server url is required")
	}
	if _, err := url.Parse(serverURL); err != nil {
		return nil, fmt.Errorf("share: invalid server url %q: %w", serverURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &client{baseURL: strings.TrimRight(serverURL, "/"), httpClient: httpClient}, nil
}

type createBody struct {
	SessionID         string     `json:"session_id"`
	OwnerID           string     `json:"owner_id"`
	AccessType        AccessType `json:"access_type"`
	ExpiresInHours    *int       `json:"expires_in_hours"`
	IsPublic          bool       `json:"is_public"`
	RequireEncryption bool       `json:"require_encryption"`
}

type createResponse struct {
	ShareToken    string  `json:"share_token"`
	ShareURL      string  `json:"share_url"`
	ExpiresAt     *string `json:"expires_at"`
	EncryptionKey *string `json:"encryption_key"`
}

type infoResponse struct {
	SessionID    string   `json:"session_id"`
	ShareToken   string   `json:"share_token"`
	AccessType   string   `json:"access_type"`
	CreatedAt    string   `json:"created_at"`
	ExpiresAt    *string  `json:"expires_at"`
	Views        int      `json:"views"`
	Participants []string `json:"participants"`
}

type analyticsResponse struct {
	Views        int      `json:"views"`
	Participants []string `json:"participants"`
	IsExpired    bool     `json:"is_expired"`
}

type errorBody struct {
	Error string `json:"error"`
}

// 返回状态码和响应体；只有网络层失败才返回 error
func (c *client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// 从错误响应中取出 error 字段，取不到就用原始内容
func reasonOf(status int, data []byte) string {
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return http.StatusText(status)
}

func tokenPath(token string) string {
	return "/share/" + url.PathEscape(token)
}

func (c *client) create(ctx context.Context, req CreateRequest) (*createResponse, error) {
	body := createBody{
		SessionID:         req.SessionID,
		OwnerID:           req.OwnerID,
		AccessType:        req.AccessType,
		IsPublic:          req.IsPublic,
		RequireEncryption: req.RequireEncryption,
	}
	if req.ExpiresInHours > 0 {
		h := req.ExpiresInHours
		body.ExpiresInHours = &h
	}
	status, data, err := c.do(ctx, http.MethodPost, "/share/create", body)
	if err != nil {
		return nil, &TransportError{Op: "create", Err: err}
	}
	if status != http.StatusOK {
		return nil, &ShareCreationError{Status: status, Reason: reasonOf(status, data)}
	}
	var out createResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &TransportError{Op: "create", Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.ShareToken == "" {
		return nil, &ShareCreationError{Status: status, Reason: "response missing share_token"}
	}
	return &out, nil
}

// revoke 返回 nil 表示已撤销或远端早已没有这个 token（404）
func (c *client) revoke(ctx context.Context, token string) error {
	status, data, err := c.do(ctx, http.MethodDelete, tokenPath(token), nil)
	if err != nil {
		return &TransportError{Op: "revoke", Err: err}
	}
	switch status {
	case http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return &ShareRevocationError{Token: token, Status: status, Reason: reasonOf(status, data)}
	}
}

// info 在非 200 时返回 nil, nil
func (c *client) info(ctx context.Context, token string) (*infoResponse, error) {
	status, data, err := c.do(ctx, http.MethodGet, tokenPath(token), nil)
	if err != nil {
		return nil, &TransportError{Op: "info", Err: err}
	}
	if status != http.StatusOK {
		return nil, nil
	}
	var out infoResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &TransportError{Op: "info", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}

func (c *client) analytics(ctx context.Context, token string) (*analyticsResponse, error) {
	status, data, err := c.do(ctx, http.MethodGet, tokenPath(token)+"/analytics", nil)
	if err != nil {
		return nil, &TransportError{Op: "analytics", Err: err}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("analytics for %s: status %d: %s", token, status, reasonOf(status, data))
	}
	var out analyticsResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &TransportError{Op: "analytics", Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}
