// Package client talks to the overlay server over HTTP.
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

	"github.com/tissue-tiles/server/internal/overlay"
	"github.com/tissue-tiles/server/internal/protocol"
)

// Client is an HTTP client for one server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL. A nil httpClient uses a
// client with a generous timeout, since generation can take a while.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Generate builds or reuses the overlay for p.
func (c *Client) Generate(ctx context.Context, p overlay.Params) (overlay.Metadata, error) {
	body, err := json.Marshal(protocol.NewGenerateRequest(p))
	if err != nil {
		return overlay.Metadata{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/overlays", bytes.NewReader(body))
	if err != nil {
		return overlay.Metadata{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var meta overlay.Metadata
	if err := c.doJSON(req, &meta); err != nil {
		return overlay.Metadata{}, err
	}
	return meta, nil
}

// Metadata returns an already generated overlay.
func (c *Client) Metadata(ctx context.Context, overlayID string) (overlay.Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/overlays/"+url.PathEscape(overlayID), nil)
	if err != nil {
		return overlay.Metadata{}, err
	}
	var meta overlay.Metadata
	if err := c.doJSON(req, &meta); err != nil {
		return overlay.Metadata{}, err
	}
	return meta, nil
}

// FetchTile returns the encoded bytes and format of one tile.
func (c *Client) FetchTile(ctx context.Context, key overlay.TileKey) ([]byte, string, error) {
	u := fmt.Sprintf("%s/api/overlays/%s/tiles/%d/%d/%d", c.baseURL, url.PathEscape(key.OverlayID), key.Zoom, key.X, key.Y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch tile %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read tile %s: %w", key, err)
	}
	return data, formatOf(resp.Header.Get("Content-Type")), nil
}

func (c *Client) doJSON(req *http.Request, v interface{}) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// decodeError rebuilds the server's error so callers can match it with
// errors.Is.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var pe protocol.Error
	if err := json.Unmarshal(body, &pe); err != nil || pe.Code == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return protocol.ErrorFromCode(protocol.CodeInternal, msg)
	}
	return protocol.ErrorFromCode(pe.Code, pe.Message)
}

func formatOf(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return "png"
	case strings.HasPrefix(contentType, "image/jpeg"):
		return "jpeg"
	}
	return ""
}
