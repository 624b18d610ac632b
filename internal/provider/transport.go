package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport issues the single streaming POST of a generation. A non-2xx
// response is returned as a *RejectedError and its body is already closed.
// Cancelling ctx aborts the request and any pending read on the body.
type Transport interface {
	Post(ctx context.Context, url, apiKey string, body any) (io.ReadCloser, error)
}

// streamHTTPClient is shared by every streaming call so connections are
// reused. No overall Timeout is set: a response may stream for minutes and
// callers bound it with their context. DisableCompression keeps gzip out of
// chunked event streams.
var streamHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   4,
	},
}

// CloseIdleConnections drops idle connections from the shared transport.
func CloseIdleConnections() {
	streamHTTPClient.CloseIdleConnections()
}

// HTTPTransport is the net/http Transport.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport wraps client, or the shared streaming client when nil.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = streamHTTPClient
	}
	return &HTTPTransport{client: client}
}

// maxErrorBody bounds how much of a rejected response is read.
const maxErrorBody = 64 << 10

// Post marshals body as JSON and sends it to url.
func (t *HTTPTransport) Post(ctx context.Context, url, apiKey string, body any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")
	// Prevent proxies from injecting compression on the stream.
	req.Header.Set("Accept-Encoding", "identity")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, NewRejectedError(resp.StatusCode, raw, resp.Header)
	}
	return resp.Body, nil
}
