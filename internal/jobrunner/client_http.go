package jobrunner

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

// HTTPClient talks to the external job runner service. Identity and job
// definition creation are idempotent on the server side; a 409 therefore
// never surfaces as an error here. A 424 means the execution identity has
// not propagated yet and maps to sentinel.ErrNotPropagated so the caller's
// bounded retry absorbs it.
type HTTPClient struct {
	base        string
	environment string
	client      *http.Client
}

func NewHTTPClient(baseURL, environment string) *HTTPClient {
	return &HTTPClient{
		base:        baseURL,
		environment: environment,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) EnsureRunnerIdentity(ctx context.Context, kind Kind) (IdentityRef, error) {
	body := map[string]string{"kind": string(kind)}
	var out struct {
		Identity string `json:"identity"`
	}
	if err := c.post(ctx, "/v1/identities", body, &out); err != nil {
		return "", err
	}
	return IdentityRef(out.Identity), nil
}

func (c *HTTPClient) EnsureJobDefinition(ctx context.Context, name string, spec JobSpec, identity IdentityRef) error {
	body := map[string]any{
		"name":      name,
		"account":   spec.Account,
		"variables": spec.Variables,
		"identity":  string(identity),
	}
	return c.post(ctx, "/v1/jobs", body, nil)
}

func (c *HTTPClient) Run(ctx context.Context, name string) error {
	// Completion is not returned here; the runner reports it as a
	// JobCompleted event on the bus, tagged with this environment.
	body := map[string]string{"environment": c.environment}
	return c.post(ctx, "/v1/jobs/"+url.PathEscape(name)+"/runs", body, nil)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("job runner: %w: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusFailedDependency:
		return fmt.Errorf("job runner %s: %w", path, sentinel.ErrNotPropagated)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("job runner %s: %w", path, sentinel.ErrNotFound)
	case resp.StatusCode >= 500:
		return fmt.Errorf("job runner %s: status %d: %w", path, resp.StatusCode, sentinel.ErrUnavailable)
	case resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict:
		return fmt.Errorf("job runner %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
