package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// apiError is the body the server writes for failed requests.
type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// do sends body as JSON and decodes the response into v (may be nil).
func (c *Client) do(method, path string, body, v any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		var e apiError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			if e.Kind != "" {
				return fmt.Errorf("%s: %s", e.Kind, e.Error)
			}
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) get(path string, v any) error { return c.do(http.MethodGet, path, nil, v) }

func (c *Client) post(path string, body, v any) error { return c.do(http.MethodPost, path, body, v) }
