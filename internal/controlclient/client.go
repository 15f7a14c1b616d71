// Package controlclient talks to the hub's HTTP control surface.
package controlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"research-notes-api/internal/handlers"
	"research-notes-api/internal/realtime"
)

var ErrNotFound = errors.New("not found")

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Clients(ctx context.Context) ([]realtime.ClientRecord, error) {
	var out struct {
		Clients []realtime.ClientRecord `json:"clients"`
	}
	if err := c.do(ctx, http.MethodGet, "/ws/clients", nil, &out); err != nil {
		return nil, err
	}
	return out.Clients, nil
}

func (c *Client) Groups(ctx context.Context) ([]realtime.GroupSummary, error) {
	var out struct {
		Groups []realtime.GroupSummary `json:"groups"`
	}
	if err := c.do(ctx, http.MethodGet, "/ws/groups", nil, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

func (c *Client) Members(ctx context.Context, group string) ([]realtime.ClientRecord, error) {
	var out handlers.GroupMembersResponse
	if err := c.do(ctx, http.MethodGet, "/ws/groups/"+url.PathEscape(group), nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *Client) SendTo(ctx context.Context, clientID, message string) (handlers.StatusResponse, error) {
	var out handlers.StatusResponse
	err := c.do(ctx, http.MethodPost, "/ws/send_to/"+url.PathEscape(clientID), handlers.MessageRequest{Message: message}, &out)
	return out, err
}

func (c *Client) BroadcastToGroup(ctx context.Context, group, message string) (handlers.StatusResponse, error) {
	var out handlers.StatusResponse
	err := c.do(ctx, http.MethodPost, "/ws/broadcast_to_group/"+url.PathEscape(group), handlers.MessageRequest{Message: message}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := errorMessage(raw)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, msg)
	}
	return json.Unmarshal(raw, out)
}

// errorMessage pulls a message out of either {"error": ...} or
// {"status": "error", "message": ...}.
func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw))
	}
	if body.Error != "" {
		return body.Error
	}
	return body.Message
}
