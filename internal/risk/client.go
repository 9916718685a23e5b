// Package risk talks to the third-party wallet risk API and shapes its
// entity responses for clients.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether s is a 0x-prefixed 20-byte hex address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Bearer     string
}

func New(baseURL, bearer string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Bearer:     bearer,
	}
}

// UpstreamError is a non-2xx answer from the risk API.
type UpstreamError struct {
	StatusCode int
	Body       map[string]any
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("risk api http %d: %v", e.StatusCode, e.Body)
}

// Entity is the raw JSON object returned for a wallet.
type Entity map[string]any

func (c *Client) GetEntity(ctx context.Context, address string) (Entity, error) {
	u := fmt.Sprintf("%s/api/risk/v2/entities/%s", c.BaseURL, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return doJSON[Entity](c, req)
}

// RegisterEntity asks the risk API to start scoring address.
func (c *Client) RegisterEntity(ctx context.Context, address string) (Entity, error) {
	body, err := json.Marshal(map[string]string{"address": address})
	if err != nil {
		return nil, err
	}
	u := c.BaseURL + "/api/risk/v2/entities"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON[Entity](c, req)
}

// Analyze fetches the entity for address, registering it first when the
// API has never seen it.
func (c *Client) Analyze(ctx context.Context, address string) (Entity, error) {
	entity, err := c.GetEntity(ctx, address)
	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.StatusCode == http.StatusNotFound {
		return c.RegisterEntity(ctx, address)
	}
	return entity, err
}

// Level returns the risk level the API reports for address.
func (c *Client) Level(ctx context.Context, address string) (string, error) {
	entity, err := c.Analyze(ctx, address)
	if err != nil {
		return "", err
	}
	level, _ := entity["risk"].(string)
	return level, nil
}

func doJSON[T any](c *Client, req *http.Request) (T, error) {
	var out T
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody map[string]any
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &errBody) != nil && len(raw) > 0 {
			errBody = map[string]any{"message": strings.TrimSpace(string(raw))}
		}
		return out, &UpstreamError{StatusCode: resp.StatusCode, Body: errBody}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
