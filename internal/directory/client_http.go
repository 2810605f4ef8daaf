package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"accountpool/pkg/platform/sentinel"
)

// HTTPClient talks to the hosted account directory over its REST surface.
// 5xx and transport failures come back wrapped in sentinel.ErrUnavailable so
// call sites can apply their bounded retry policy.
type HTTPClient struct {
	base   string
	client *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		base:   baseURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type accountPayload struct {
	ID     string            `json:"id"`
	Holder string            `json:"holder"`
	Active bool              `json:"active"`
	Parent string            `json:"parent"`
	Tags   map[string]string `json:"tags"`
}

func (c *HTTPClient) Describe(ctx context.Context, accountID string) (Account, error) {
	var payload accountPayload
	if err := c.get(ctx, "/v1/accounts/"+url.PathEscape(accountID), &payload); err != nil {
		return Account{}, err
	}
	if payload.Tags == nil {
		payload.Tags = make(map[string]string)
	}
	return Account{
		ID:     payload.ID,
		Holder: payload.Holder,
		Active: payload.Active,
		Parent: payload.Parent,
		Tags:   payload.Tags,
	}, nil
}

func (c *HTTPClient) ListChildren(ctx context.Context, parentID string) ([]string, error) {
	var payload struct {
		Accounts []string `json:"accounts"`
	}
	if err := c.get(ctx, "/v1/units/"+url.PathEscape(parentID)+"/accounts", &payload); err != nil {
		return nil, err
	}
	return payload.Accounts, nil
}

func (c *HTTPClient) ListTags(ctx context.Context, accountID string) (map[string]string, error) {
	acct, err := c.Describe(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return acct.Tags, nil
}

func (c *HTTPClient) ApplyTag(ctx context.Context, accountID, key, value string) error {
	body := map[string]string{"key": key, "value": value}
	return c.send(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(accountID)+"/tags", body)
}

func (c *HTTPClient) RemoveTags(ctx context.Context, accountID string, keys ...string) error {
	body := map[string][]string{"keys": keys}
	return c.send(ctx, http.MethodDelete, "/v1/accounts/"+url.PathEscape(accountID)+"/tags", body)
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory: %w: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("directory %s: %w", path, sentinel.ErrNotFound)
	case resp.StatusCode >= 500:
		return fmt.Errorf("directory %s: status %d: %w", path, resp.StatusCode, sentinel.ErrUnavailable)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("directory %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) send(ctx context.Context, method, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory: %w: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("directory %s: %w", path, sentinel.ErrNotFound)
	case resp.StatusCode >= 500:
		return fmt.Errorf("directory %s: status %d: %w", path, resp.StatusCode, sentinel.ErrUnavailable)
	case resp.StatusCode >= 300:
		return fmt.Errorf("directory %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
