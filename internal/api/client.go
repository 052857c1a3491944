package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteError is returned by Client when the server answers with an error payload.
type RemoteError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *RemoteError) Error() string {
	if e.Response.Code != "" {
		return fmt.Sprintf("server returned %d: %s (stage=%s code=%s)", e.StatusCode, e.Response.Error, e.Response.Stage, e.Response.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Response.Error)
}

// Client calls a running ggmlforge server.
type Client struct {
	base  *url.URL
	route string
	http  *http.Client
}

// NewClient targets base, which may omit the scheme. A zero timeout leaves
// requests bounded only by their context; conversions can take hours.
func NewClient(base, route string, timeout time.Duration) (*Client, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return nil, fmt.Errorf("server address is empty")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse server address: %w", err)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	if route == "" {
		route = "/json"
	}
	return &Client{
		base:  parsed,
		route: route,
		http:  &http.Client{Timeout: timeout},
	}, nil
}

// Convert requests the named source at the named profile and returns the download URL.
func (c *Client) Convert(ctx context.Context, name, quantInfo string) (string, error) {
	payload, err := json.Marshal(ConvertRequest{Name: name, QuantInfo: quantInfo})
	if err != nil {
		return "", err
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: c.route})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var resp ConvertResponse
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	return resp.DownloadURL, nil
}

// Status fetches the server readiness report.
func (c *Client) Status(ctx context.Context) (Status, error) {
	endpoint := c.base.ResolveReference(&url.URL{Path: StatusPath})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Status{}, err
	}
	var status Status
	if err := c.do(req, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		remote := &RemoteError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&remote.Response); err != nil || remote.Response.Error == "" {
			remote.Response.Error = http.StatusText(resp.StatusCode)
		}
		return remote
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
