package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// errNotFound is returned for a 404 answer.
var errNotFound = errors.New("not found")

// get performs a GET request and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, result)
}

// post performs a bodyless POST request and decodes the JSON response.
func (c *Client) post(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodPost, path, result)
}

// do sends a request to the node and decodes the JSON response.
func (c *Client) do(ctx context.Context, method, path string, result any) error {
	url := "http://" + c.nodeAddr + path

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", method, url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
