// Package client implements the HTTP client for a managed opencode
// server's API. The coordinator uses it to classify session liveness
// (pending permissions, busy state); the CLI uses it to relay messages
// and permission replies.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout is the request timeout for short control-plane calls.
const DefaultTimeout = 10 * time.Second

// APIError is returned for non-200 responses from the opencode server.
type APIError struct {
	StatusCode int
	Message    string
}

// Error returns the formatted error message.
func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Permission is a pending permission request on the server.
type Permission struct {
	ID         string `json:"id"`
	Permission string `json:"permission"`
	Pattern    string `json:"pattern"`
	ToolName   string `json:"tool_name"`
}

// SessionInfo describes one server-side conversation session.
// Created and Updated are Unix milliseconds.
type SessionInfo struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Created  int64  `json:"created"`
	Updated  int64  `json:"updated"`
	Busy     bool   `json:"busy"`
}

// Message is one conversation message.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"-"`
	Timestamp int64  `json:"timestamp"`
}

// SendResult holds the server's reply to a sent message.
type SendResult struct {
	Text      string
	Raw       json.RawMessage
	SessionID string
}

// Client talks to one opencode server instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the given base URL. A zero timeout falls
// back to DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateSession creates a new conversation session and returns its ID.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", map[string]any{}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// messageBody builds the request payload for sending a message.
func messageBody(text, agent string) map[string]any {
	body := map[string]any{
		"parts": []map[string]any{{"type": "text", "text": text}},
	}
	if agent != "" {
		body["agent"] = agent
	}
	return body
}

// SendMessage sends a message and waits for the full streamed reply.
// The server streams the response body; the text parts are joined with
// newlines for the result.
func (c *Client) SendMessage(ctx context.Context, sessionID, text, agent string) (*SendResult, error) {
	raw, err := c.doRaw(ctx, http.MethodPost, "/session/"+sessionID+"/message", messageBody(text, agent))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return &SendResult{SessionID: sessionID}, nil
	}

	var parsed struct {
		Parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"parts"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Non-JSON body: surface it verbatim
		return &SendResult{Text: string(raw), SessionID: sessionID}, nil
	}

	var parts []string
	for _, p := range parsed.Parts {
		if p.Type == "text" {
			parts = append(parts, p.Text)
		}
	}
	return &SendResult{
		Text:      strings.Join(parts, "\n"),
		Raw:       raw,
		SessionID: sessionID,
	}, nil
}

// SendMessageAsync delivers a message without waiting for the reply
// body. The server keeps processing after the response is abandoned.
func (c *Client) SendMessageAsync(ctx context.Context, sessionID, text, agent string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/session/"+sessionID+"/message", messageBody(text, agent))
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: string(msg)}
	}
	return nil
}

// ListPermissions returns all pending permission requests.
func (c *Client) ListPermissions(ctx context.Context) ([]Permission, error) {
	var raw []struct {
		ID         string `json:"id"`
		Permission string `json:"permission"`
		Pattern    string `json:"pattern"`
		Tool       struct {
			Name string `json:"name"`
		} `json:"tool"`
	}
	if err := c.do(ctx, http.MethodGet, "/permission", nil, &raw); err != nil {
		return nil, err
	}

	perms := make([]Permission, 0, len(raw))
	for _, p := range raw {
		perms = append(perms, Permission{
			ID:         p.ID,
			Permission: p.Permission,
			Pattern:    p.Pattern,
			ToolName:   p.Tool.Name,
		})
	}
	return perms, nil
}

// ReplyPermission answers a pending permission request.
// Valid replies are "once", "always", and "reject"; message is an
// optional explanation attached to rejections.
func (c *Client) ReplyPermission(ctx context.Context, permissionID, reply, message string) error {
	body := map[string]any{"reply": reply}
	if message != "" {
		body["message"] = message
	}
	return c.do(ctx, http.MethodPost, "/permission/"+permissionID+"/reply", body, nil)
}

// ListSessions returns all conversation sessions on the server.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var sessions []SessionInfo
	if err := c.do(ctx, http.MethodGet, "/session", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession returns one conversation session, or nil if absent.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var info SessionInfo
	err := c.do(ctx, http.MethodGet, "/session/"+sessionID, nil, &info)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

// IsSessionBusy reports whether the server is actively processing the
// given conversation session.
func (c *Client) IsSessionBusy(ctx context.Context, sessionID string) (bool, error) {
	info, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	return info.Busy, nil
}

// GetMessages returns up to limit most recent messages of a session.
func (c *Client) GetMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	var raw []struct {
		ID    string `json:"id"`
		Role  string `json:"role"`
		Parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"parts"`
		Timestamp int64 `json:"timestamp"`
	}
	path := fmt.Sprintf("/session/%s/message?limit=%d", sessionID, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(raw))
	for _, m := range raw {
		var parts []string
		for _, p := range m.Parts {
			if p.Type == "text" {
				parts = append(parts, p.Text)
			}
		}
		messages = append(messages, Message{
			ID:        m.ID,
			Role:      m.Role,
			Text:      strings.Join(parts, "\n"),
			Timestamp: m.Timestamp,
		})
	}
	return messages, nil
}

// WaitForCompletion polls until the session is no longer busy, then
// returns the final assistant message, or nil if there is none.
func (c *Client) WaitForCompletion(ctx context.Context, sessionID string, pollInterval time.Duration) (*Message, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		busy, err := c.IsSessionBusy(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !busy {
			messages, err := c.GetMessages(ctx, sessionID, 10)
			if err != nil {
				return nil, err
			}
			for i := len(messages) - 1; i >= 0; i-- {
				if messages[i].Role == "assistant" {
					return &messages[i], nil
				}
			}
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// newRequest builds a JSON request against the server.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doRaw performs a request and returns the raw response body.
func (c *Client) doRaw(ctx context.Context, method, path string, body any) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(data)}
	}
	return data, nil
}

// do performs a request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	data, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
