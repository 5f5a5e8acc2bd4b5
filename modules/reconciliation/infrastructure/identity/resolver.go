// Package identity talks to the external identity directory that owns
// departments, ranks and positions.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/iota-uz/corpcms/modules/reconciliation/services"
)

const resolvePath = "/api/v1/departments/resolve"

type resolveRequest struct {
	IDs []string `json:"ids"`
}

type department struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

type resolveResponse struct {
	Departments []department `json:"departments"`
}

// Client resolves department ids in one POST per call.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

var _ services.IdentityResolver = (*Client)(nil)

func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("invalid identity base url: %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    u,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ResolveDepartments returns the directory entries for ids. Ids missing
// from the response are left out of the result.
func (c *Client) ResolveDepartments(ctx context.Context, ids []string) (services.Directory, error) {
	if len(ids) == 0 {
		return services.Directory{}, nil
	}
	body, err := json.Marshal(resolveRequest{IDs: ids})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode resolve request")
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + resolvePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build resolve request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "identity request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read identity response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("identity responded with status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out resolveResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "failed to decode identity response")
	}
	dir := make(services.Directory, len(out.Departments))
	for _, d := range out.Departments {
		if d.ID == "" {
			continue
		}
		dir[d.ID] = services.DepartmentStatus{IsActive: d.IsActive, Name: d.Name}
	}
	return dir, nil
}
