package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"TupleMR/internal/tuplespace"
)

const deadlineMargin = 50 * time.Millisecond

type ClientOpts struct {
	// BaseURL of the tuple space server, e.g. http://127.0.0.1:8081.
	BaseURL string
	// PollWait is how long each long-poll take waits server-side.
	PollWait   time.Duration
	HTTPClient *nethttp.Client
}

// Client is a tuplespace.Queue backed by a remote Server.
type Client struct {
	base     string
	pollWait time.Duration
	http     *nethttp.Client
}

func NewClient(opts ClientOpts) *Client {
	base := opts.BaseURL
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if opts.PollWait <= 0 {
		opts.PollWait = defaultWait
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &nethttp.Client{}
	}
	return &Client{
		base:     strings.TrimRight(base, "/"),
		pollWait: opts.PollWait,
		http:     opts.HTTPClient,
	}
}

func (c *Client) Write(ctx context.Context, t tuplespace.Tuple) error {
	resp, err := c.post(ctx, "/write", t)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusNoContent {
		return decodeError(resp)
	}
	return nil
}

// Take long-polls the server until a tuple matching p arrives or ctx ends.
func (c *Client) Take(ctx context.Context, p tuplespace.Pattern) (tuplespace.Tuple, error) {
	for {
		if err := ctx.Err(); err != nil {
			return tuplespace.Tuple{}, err
		}

		// The server gives up slightly before the caller's deadline so a
		// tuple it removes is not lost to a response nobody reads.
		wait := c.pollWait
		if deadline, ok := ctx.Deadline(); ok {
			wait = min(wait, time.Until(deadline)-deadlineMargin)
		}
		if wait <= 0 {
			<-ctx.Done()
			return tuplespace.Tuple{}, ctx.Err()
		}

		t, ok, err := c.takeOnce(ctx, p, wait)
		if err != nil {
			if ctx.Err() != nil {
				return tuplespace.Tuple{}, ctx.Err()
			}
			return tuplespace.Tuple{}, err
		}
		if ok {
			return t, nil
		}
	}
}

func (c *Client) takeOnce(ctx context.Context, p tuplespace.Pattern, wait time.Duration) (tuplespace.Tuple, bool, error) {
	resp, err := c.post(ctx, "/take?wait="+url.QueryEscape(wait.String()), p)
	if err != nil {
		return tuplespace.Tuple{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case nethttp.StatusOK:
		var t tuplespace.Tuple
		if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
			return tuplespace.Tuple{}, false, fmt.Errorf("failed to decode tuple: %w", err)
		}
		return t, true, nil
	case nethttp.StatusNoContent:
		return tuplespace.Tuple{}, false, nil
	default:
		return tuplespace.Tuple{}, false, decodeError(resp)
	}
}

// Stats fetches the server's queue statistics.
func (c *Client) Stats(ctx context.Context) (map[string]string, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, c.base+"/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		return nil, decodeError(resp)
	}
	var stats map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	return stats, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*nethttp.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", path, err)
	}
	return resp, nil
}

func decodeError(resp *nethttp.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e errorBody
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("tuple space: %s (status %d)", e.Error, resp.StatusCode)
	}
	return fmt.Errorf("tuple space: unexpected status %d", resp.StatusCode)
}
