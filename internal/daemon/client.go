package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/batalabs/minechat/internal/config"
	"github.com/batalabs/minechat/internal/domain"
)

// SSEEvent is a parsed generation event from the daemon. Progress events
// fill MessageID, Visible and Reasoning; done events fill the rest too.
type SSEEvent struct {
	Type       string `json:"-"` // "progress" or "done"
	MessageID  string `json:"message_id"`
	Visible    string `json:"visible"`
	Reasoning  string `json:"reasoning"`
	Outcome    string `json:"outcome,omitempty"` // "done", "error", "cancelled"
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
	Records    int    `json:"records,omitempty"`
	Malformed  int    `json:"malformed,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// APIError is a non-2xx daemon response.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon: HTTP %d: %s", e.StatusCode, e.Message)
}

// DaemonClient talks to a running daemon over HTTP.
type DaemonClient struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

// NewDaemonClient creates a new client for the daemon at the given port.
func NewDaemonClient(port int) *DaemonClient {
	return &DaemonClient{
		baseURL:    fmt.Sprintf("http://localhost:%d", port),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewDaemonClientFromLockfile connects to the daemon described by the
// lockfile, failing when none is running.
func NewDaemonClientFromLockfile() (*DaemonClient, error) {
	lf, err := ReadLockfile()
	if err != nil {
		return nil, err
	}
	if lf.Stale() {
		return nil, fmt.Errorf("daemon (pid %d) is not running: %w", lf.PID, ErrNoDaemon)
	}
	c := NewDaemonClient(lf.Port)
	c.SetBaseURL(lf.BaseURL())
	c.SetAuthToken(lf.Token)
	return c, nil
}

// SetAuthToken sets the daemon bearer token used on protected endpoints.
func (c *DaemonClient) SetAuthToken(token string) {
	c.authToken = strings.TrimSpace(token)
}

// SetBaseURL overrides the base URL (useful for testing).
func (c *DaemonClient) SetBaseURL(u string) {
	c.baseURL = strings.TrimRight(u, "/")
}

func (c *DaemonClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return req, nil
}

// call sends a JSON request and decodes a JSON response into out (if not nil).
func (c *DaemonClient) call(method, path string, body, out any) error {
	req, err := c.newRequest(context.Background(), method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	e := &APIError{StatusCode: resp.StatusCode}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		e.Message, e.Kind = body.Error, body.Kind
	} else {
		e.Message = strings.TrimSpace(string(raw))
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

// Health checks if the daemon is responding.
func (c *DaemonClient) Health() error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(c.baseURL + "/api/health")
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

// WaitReady polls Health() until the daemon is responsive or the timeout is reached.
func (c *DaemonClient) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := c.Health(); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("daemon not ready after %v", timeout)
}

// ProbeResult is the daemon's answer to a connection test.
type ProbeResult struct {
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	LatencyMs int64  `json:"latency_ms"`
}

// Probe asks the daemon to test the configured endpoint.
func (c *DaemonClient) Probe() (*ProbeResult, error) {
	var res ProbeResult
	if err := c.call(http.MethodGet, "/api/probe", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateThread creates a thread. Empty title and character are allowed.
func (c *DaemonClient) CreateThread(title, character string) (*domain.Thread, error) {
	var th domain.Thread
	err := c.call(http.MethodPost, "/api/threads", map[string]string{"title": title, "character": character}, &th)
	if err != nil {
		return nil, err
	}
	return &th, nil
}

// GetThread retrieves a thread by ID or unique prefix.
func (c *DaemonClient) GetThread(id string) (*domain.Thread, error) {
	var th domain.Thread
	if err := c.call(http.MethodGet, "/api/threads/"+url.PathEscape(id), nil, &th); err != nil {
		return nil, err
	}
	return &th, nil
}

// ListThreads lists the most recently updated threads.
func (c *DaemonClient) ListThreads(limit int) ([]domain.Thread, error) {
	var threads []domain.Thread
	if err := c.call(http.MethodGet, fmt.Sprintf("/api/threads?limit=%d", limit), nil, &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

// UpdateThread changes the title and/or character. Nil leaves a field as is.
func (c *DaemonClient) UpdateThread(id string, title, character *string) (*domain.Thread, error) {
	body := map[string]*string{"title": title, "character": character}
	var th domain.Thread
	if err := c.call(http.MethodPatch, "/api/threads/"+url.PathEscape(id), body, &th); err != nil {
		return nil, err
	}
	return &th, nil
}

// DeleteThread removes a thread and its messages.
func (c *DaemonClient) DeleteThread(id string) error {
	return c.call(http.MethodDelete, "/api/threads/"+url.PathEscape(id), nil, nil)
}

// GetMessages retrieves the message history of a thread.
func (c *DaemonClient) GetMessages(id string) ([]domain.Message, error) {
	var msgs []domain.Message
	if err := c.call(http.MethodGet, "/api/threads/"+url.PathEscape(id)+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// BranchThread creates a new thread forked from the given thread.
func (c *DaemonClient) BranchThread(id string, atSequence int) (*domain.Thread, error) {
	var th domain.Thread
	err := c.call(http.MethodPost, "/api/threads/"+url.PathEscape(id)+"/branch", map[string]int{"at_sequence": atSequence}, &th)
	if err != nil {
		return nil, fmt.Errorf("branching thread: %w", err)
	}
	return &th, nil
}

// Generate sends a user message and streams events back via the callback.
// It blocks until the done event. Cancelling ctx closes the connection,
// which cancels the generation on the daemon.
func (c *DaemonClient) Generate(ctx context.Context, threadID, text string, onEvent func(SSEEvent)) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/threads/"+url.PathEscape(threadID)+"/generate",
		map[string]string{"text": text})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No timeout for a long-running stream
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("generating: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return parseSSEStream(resp.Body, onEvent)
}

// Cancel cancels the running generation of a thread.
func (c *DaemonClient) Cancel(threadID string) error {
	return c.call(http.MethodPost, "/api/threads/"+url.PathEscape(threadID)+"/cancel", nil, nil)
}

// GetConfig retrieves the daemon's preferences, grouped, with secrets masked.
func (c *DaemonClient) GetConfig() ([]config.ConfigGroup, error) {
	var groups []config.ConfigGroup
	if err := c.call(http.MethodGet, "/api/config", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// SetConfig updates a preference key on the daemon.
func (c *DaemonClient) SetConfig(key, value string) (string, error) {
	var result struct {
		Message string `json:"message"`
	}
	if err := c.call(http.MethodPost, "/api/config", map[string]string{"key": key, "value": value}, &result); err != nil {
		return "", err
	}
	return result.Message, nil
}

// ---------------------------------------------------------------------------
// SSE parsing
// ---------------------------------------------------------------------------

// errNoDoneEvent means the stream closed before the generation reported an
// outcome.
var errNoDoneEvent = errors.New("event stream ended before done event")

func parseSSEStream(body io.Reader, onEvent func(SSEEvent)) error {
	scanner := bufio.NewScanner(body)
	// Progress events carry the whole text so far
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var eventType string
	sawDone := false
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			evt, ok := ParseSSEEvent(eventType, strings.TrimPrefix(line, "data: "))
			if ok {
				onEvent(evt)
				if evt.Type == "done" {
					sawDone = true
				}
			}
			eventType = ""
		}
	}

	if err := scanner.Err(); err != nil {
		// If we already observed completion, tolerate common unclean stream tails.
		if sawDone && isRecoverableSSEStreamErr(err) {
			return nil
		}
		return err
	}
	if !sawDone {
		return errNoDoneEvent
	}
	return nil
}

func isRecoverableSSEStreamErr(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "chunked line ends with bare LF") ||
		strings.Contains(msg, "invalid byte in chunk length")
}

// ParseSSEEvent parses a single SSE event from its type and JSON data.
// Unknown types and bad JSON report false.
func ParseSSEEvent(eventType, data string) (SSEEvent, bool) {
	switch eventType {
	case "progress", "done":
	default:
		return SSEEvent{}, false
	}
	var evt SSEEvent
	if json.Unmarshal([]byte(data), &evt) != nil {
		return SSEEvent{}, false
	}
	evt.Type = eventType
	return evt, true
}
