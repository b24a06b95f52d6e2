// Package ctclient is an RFC 6962 HTTP client for the three read endpoints a
// mirror needs: get-sth, get-entries, and get-sth-consistency.
package ctclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ctbt.dev/ctbt"
)

// Client talks to one CT log's read API.
type Client struct {
	BaseURL     string
	HTTPClient  *http.Client
	MaxAttempts int // retry budget for transient errors; 0 means 1 attempt total

	// Backoff is the delay before the n-th retry (n starting at 1). If nil,
	// an exponential backoff starting at 500ms and capping at 30s is used,
	// matching the poll interval cmd/vanity-mirror uses for HTTP 429.
	Backoff func(attempt int) time.Duration

	// OnRetry, if set, is called once per retried attempt (not the first),
	// so a caller can drive a metrics counter without this package taking a
	// direct Prometheus dependency.
	OnRetry func()
}

// New returns a Client with the teacher's connection-reuse HTTP transport:
// a short per-request timeout and a generous idle-connection pool, suited to
// fetching many small batches from one log host.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 100,
			},
		},
		MaxAttempts: 5,
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	if c.Backoff != nil {
		return c.Backoff(attempt)
	}
	d := 500 * time.Millisecond * time.Duration(1<<uint(attempt-1))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

type rfc6962STH struct {
	TreeSize          int64  `json:"tree_size"`
	Timestamp         int64  `json:"timestamp"`
	SHA256RootHash    []byte `json:"sha256_root_hash"`
	TreeHeadSignature []byte `json:"tree_head_signature"`
}

// GetSTH fetches the log's current Signed Tree Head via get-sth (RFC 6962
// §4.3).
func (c *Client) GetSTH(ctx context.Context) (*ctbt.SignedTreeHead, error) {
	var wire rfc6962STH
	if err := c.getJSON(ctx, "get-sth", nil, &wire); err != nil {
		return nil, err
	}
	sth := &ctbt.SignedTreeHead{
		TreeSize:          wire.TreeSize,
		Timestamp:         wire.Timestamp,
		TreeHeadSignature: wire.TreeHeadSignature,
	}
	if len(wire.SHA256RootHash) != 32 {
		return nil, &ctbt.HTTPClientError{URL: c.endpoint("get-sth"), StatusCode: http.StatusOK,
			Body: fmt.Sprintf("sha256_root_hash has length %d, want 32", len(wire.SHA256RootHash))}
	}
	copy(sth.SHA256RootHash[:], wire.SHA256RootHash)
	return sth, nil
}

type rfc6962Entry struct {
	LeafInput []byte `json:"leaf_input"`
	ExtraData []byte `json:"extra_data"`
}

type rfc6962Entries struct {
	Entries []rfc6962Entry `json:"entries"`
}

// RawEntry is one get-entries result, still in its undecoded wire form; the
// Entry Decoder turns it into a ctbt.Entry.
type RawEntry struct {
	Index              int64
	LeafInput, ExtraData []byte
}

// GetEntries fetches entries [start, end] inclusive via get-entries (RFC
// 6962 §4.6). Logs are permitted to return a shorter range than requested;
// callers must check len(result) against end-start+1 and re-request the
// remainder starting at start+len(result).
func (c *Client) GetEntries(ctx context.Context, start, end int64) ([]RawEntry, error) {
	if start < 0 || end < start {
		return nil, &ctbt.ConfigError{Field: "start/end", Err: fmt.Errorf("invalid range [%d, %d]", start, end)}
	}
	params := url.Values{
		"start": {strconv.FormatInt(start, 10)},
		"end":   {strconv.FormatInt(end, 10)},
	}
	var wire rfc6962Entries
	if err := c.getJSON(ctx, "get-entries", params, &wire); err != nil {
		return nil, err
	}
	out := make([]RawEntry, len(wire.Entries))
	for i, e := range wire.Entries {
		out[i] = RawEntry{Index: start + int64(i), LeafInput: e.LeafInput, ExtraData: e.ExtraData}
	}
	return out, nil
}

type rfc6962Consistency struct {
	Consistency [][]byte `json:"consistency"`
}

// GetSTHConsistency fetches a consistency proof between two tree sizes via
// get-sth-consistency (RFC 6962 §4.4). first must be <= second; first == 0
// always yields an empty proof, per the protocol.
func (c *Client) GetSTHConsistency(ctx context.Context, first, second int64) ([][32]byte, error) {
	if first < 0 || second < first {
		return nil, &ctbt.ConfigError{Field: "first/second", Err: fmt.Errorf("invalid tree sizes [%d, %d]", first, second)}
	}
	if first == 0 || first == second {
		return nil, nil
	}
	params := url.Values{
		"first":  {strconv.FormatInt(first, 10)},
		"second": {strconv.FormatInt(second, 10)},
	}
	var wire rfc6962Consistency
	if err := c.getJSON(ctx, "get-sth-consistency", params, &wire); err != nil {
		return nil, err
	}
	out := make([][32]byte, len(wire.Consistency))
	for i, h := range wire.Consistency {
		if len(h) != 32 {
			return nil, &ctbt.ConsistencyProofError{OldSize: first, NewSize: second,
				Err: fmt.Errorf("proof element %d has length %d, want 32", i, len(h))}
		}
		copy(out[i][:], h)
	}
	return out, nil
}

func (c *Client) endpoint(cmd string) string {
	return fmt.Sprintf("%s/ct/v1/%s", c.BaseURL, cmd)
}

// getJSON performs a GET against /ct/v1/{cmd}?{params}, retrying transient
// failures with backoff and decoding the JSON body into out on success.
func (c *Client) getJSON(ctx context.Context, cmd string, params url.Values, out any) error {
	endpoint := c.endpoint(cmd)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	maxAttempts := c.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if c.OnRetry != nil {
				c.OnRetry()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return &ctbt.ConfigError{Field: "url", Err: err}
		}
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = &ctbt.TransientNetworkError{URL: endpoint, Err: err}
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = &ctbt.TransientNetworkError{URL: endpoint, Err: err}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if len(body) == 0 {
				lastErr = &ctbt.TransientNetworkError{URL: endpoint, Err: fmt.Errorf("empty response body")}
				continue
			}
			if err := json.Unmarshal(body, out); err != nil {
				return &ctbt.HTTPClientError{URL: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &ctbt.TransientNetworkError{URL: endpoint, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
			continue
		default:
			return &ctbt.HTTPClientError{URL: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
		}
	}
	return lastErr
}
