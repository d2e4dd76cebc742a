package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/katra-memory/katra/internal/config"
)

// pollWait is how long each promise poll asks the server to block.
const pollWait = 5000

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.HTTPPort),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is katra serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// promiseReply is the subset of the server's promise response the CLI reads.
type promiseReply struct {
	PromiseID string          `json:"promise_id"`
	State     string          `json:"state"`
	Records   json.RawMessage `json:"records"`
	Synthesis json.RawMessage `json:"synthesis"`
	Result    json.RawMessage `json:"result"`
}

// submit posts an async request and keeps polling the returned promise
// until the server reports a result. When ctx ends first the promise is
// cancelled on the server.
func (c *apiClient) submit(ctx context.Context, path string, body any) (promiseReply, error) {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return promiseReply{}, err
	}
	for {
		var reply promiseReply
		pending := resp.StatusCode == http.StatusAccepted
		if err := decodeJSON(resp, &reply); err != nil {
			return promiseReply{}, err
		}
		if !pending {
			return reply, nil
		}

		path := fmt.Sprintf("/v1/promises/%s?wait_ms=%d", url.PathEscape(reply.PromiseID), pollWait)
		resp, err = c.get(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				c.cancel(reply.PromiseID)
			}
			return promiseReply{}, err
		}
	}
}

func (c *apiClient) cancel(promiseID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if resp, err := c.delete(ctx, "/v1/promises/"+url.PathEscape(promiseID)); err == nil {
		resp.Body.Close()
	}
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
