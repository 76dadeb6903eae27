package remote

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

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/submit"
	"github.com/roach88/avm/internal/syncer"
)

// Client talks to a Server.
type Client struct {
	baseURL string
	ticket  string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTicket sends ticket as a bearer token.
func WithTicket(ticket string) ClientOption {
	return func(c *Client) {
		c.ticket = ticket
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a failed request without a repository error code.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

func (c *Client) Compare(ctx context.Context, src, dst avm.VersionPath, exclude []string) ([]avm.Difference, error) {
	var resp CompareResponse
	err := c.do(ctx, http.MethodPost, "/v1/compare", CompareRequest{
		Src: src.String(), Dst: dst.String(), Exclude: exclude,
	}, &resp)
	return resp.Differences, err
}

func (c *Client) Update(ctx context.Context, diffs []avm.Difference, exclude []string, opts syncer.UpdateOptions) (*syncer.UpdateResult, error) {
	var resp syncer.UpdateResult
	if err := c.do(ctx, http.MethodPost, "/v1/update", UpdateRequest{
		Differences: diffs, Exclude: exclude, Options: opts,
	}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Flatten(ctx context.Context, layer, underlying avm.VersionPath) ([]string, error) {
	req := FlattenRequest{Layer: layer.String()}
	if underlying.Store != "" {
		req.Underlying = underlying.String()
	}
	var resp FlattenResponse
	err := c.do(ctx, http.MethodPost, "/v1/flatten", req, &resp)
	return resp.Changed, err
}

func (c *Client) ResetLayer(ctx context.Context, layer avm.VersionPath) error {
	return c.do(ctx, http.MethodPost, "/v1/reset-layer", ResetLayerRequest{Layer: layer.String()}, nil)
}

func (c *Client) Snapshot(ctx context.Context, store, tag, description string) (int, error) {
	var resp SnapshotResponse
	err := c.do(ctx, http.MethodPost, "/v1/snapshot", SnapshotRequest{
		Store: store, Tag: tag, Description: description,
	}, &resp)
	return resp.Version, err
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*submit.Result, error) {
	var resp submit.Result
	if err := c.do(ctx, http.MethodPost, "/v1/submit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Stores(ctx context.Context) ([]avm.Store, error) {
	var resp StoresResponse
	err := c.do(ctx, http.MethodGet, "/v1/stores", nil, &resp)
	return resp.Stores, err
}

func (c *Client) LayerState(ctx context.Context, p avm.VersionPath) (avm.LayerState, error) {
	var resp LayerStateResponse
	err := c.do(ctx, http.MethodGet, "/v1/layer-state?path="+url.QueryEscape(p.String()), nil, &resp)
	return resp.State, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ticket != "" {
		req.Header.Set("Authorization", "Bearer "+c.ticket)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError rebuilds an *avm.Error when the server sent a code so that
// avm.IsConflict and friends work on remote failures.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e ErrorResponse
	if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
		return &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if e.Code != "" {
		return &avm.Error{Code: e.Code, Message: e.Error, Path: e.Path}
	}
	return &StatusError{Status: resp.StatusCode, Message: e.Error}
}
