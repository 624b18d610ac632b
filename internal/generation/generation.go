// Package generation drives one streamed model response per thread: it
// issues the request, runs the read loop and merges text into the
// transcript until the stream ends or is cancelled.
package generation

import (
	"errors"
	"sync"
	"time"

	"github.com/batalabs/minechat/internal/domain"
	"github.com/batalabs/minechat/internal/provider"
	"github.com/batalabs/minechat/internal/stream"
	"github.com/batalabs/minechat/internal/transcript"
)

// ---------------------------------------------------------------------------
// Events -- delivered to the caller while a generation runs
// ---------------------------------------------------------------------------

// EventKind classifies generation events.
type EventKind int

const (
	EventProgress EventKind = iota // resolved text so far
	EventDone                      // generation finished, see Outcome
)

// Event carries data for a single generation event.
type Event struct {
	Kind      EventKind
	ThreadID  string
	MessageID string
	Visible   string  // EventProgress
	Reasoning string  // EventProgress
	Outcome   Outcome // EventDone
}

// EventFunc is the callback signature for event delivery. It is called
// from the generation's goroutine, in order; a slow callback slows the read
// loop down.
type EventFunc func(Event)

// OutcomeKind is how a generation ended.
type OutcomeKind int

const (
	OutcomeDone OutcomeKind = iota
	OutcomeError
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDone:
		return "done"
	case OutcomeError:
		return "error"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome describes the end of a generation. Visible and Reasoning hold the
// content left in the message.
type Outcome struct {
	Kind      OutcomeKind
	Err       error  // OutcomeError
	Reason    string // OutcomeCancelled: what stopped it
	Visible   string
	Reasoning string
	Stats     stream.Stats
	Duration  time.Duration
}

// ErrorKind names the class of an outcome error.
func (o Outcome) ErrorKind() string {
	if o.Kind != OutcomeError {
		return ""
	}
	return ErrorKind(o.Err)
}

var (
	// ErrGenerationActive is returned by Begin when the thread already has a
	// generation running.
	ErrGenerationActive = errors.New("a generation is already running for this thread")
	// ErrTransportInterrupted wraps a network failure after the response
	// started streaming.
	ErrTransportInterrupted = errors.New("transport interrupted")
)

// ErrorKind names the class of a generation error.
func ErrorKind(err error) string {
	var rejected *provider.RejectedError
	var fault *stream.FaultError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rejected):
		return "rejected"
	case errors.Is(err, ErrTransportInterrupted):
		return "transport"
	case errors.Is(err, stream.ErrDecode):
		return "decode"
	case errors.As(err, &fault):
		return "backend"
	case errors.Is(err, ErrGenerationActive):
		return "busy"
	}
	return "internal"
}

// ---------------------------------------------------------------------------
// Store interface -- decouples the controller from the concrete store
// ---------------------------------------------------------------------------

// Store is the conversation store the controller reads and writes.
type Store interface {
	transcript.Store
	GetThread(id string) (*domain.Thread, error)
	UpdateThreadTitle(id, title string) error
	AppendUserMessage(threadID, content string) (domain.Message, error)
	ReadHistory(threadID string) ([]domain.Message, error)
}

// ---------------------------------------------------------------------------
// Controller
// ---------------------------------------------------------------------------

// DefaultReadSize is the buffer size of one body read.
const DefaultReadSize = 4096

// Controller owns the request lifecycle of every generation. At most one
// generation runs per thread; different threads stream concurrently.
type Controller struct {
	store     Store
	transport provider.Transport
	merger    *transcript.Merger
	log       stream.Logger
	metrics   *Metrics
	readSize  int

	previewLen int

	mu     sync.Mutex
	active map[string]*Handle
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for malformed records and lifecycle lines.
func WithLogger(l stream.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics records generation metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithPreviewLength sets the thread preview length in graphemes.
func WithPreviewLength(n int) Option {
	return func(c *Controller) { c.previewLen = n }
}

// WithReadSize sets the body read buffer size.
func WithReadSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.readSize = n
		}
	}
}

// NewController returns a controller writing to store. A nil transport uses
// the shared HTTP transport.
func NewController(store Store, transport provider.Transport, opts ...Option) *Controller {
	if transport == nil {
		transport = provider.NewHTTPTransport(nil)
	}
	c := &Controller{
		store:     store,
		transport: transport,
		readSize:  DefaultReadSize,
		active:    make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = nopLogger{}
	}
	c.merger = transcript.NewMerger(store, c.previewLen)
	return c
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Active reports whether threadID has a running generation.
func (c *Controller) Active(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[threadID]
	return ok
}

// Cancel stops the running generation of threadID. It reports whether one
// was running.
func (c *Controller) Cancel(threadID string) bool {
	c.mu.Lock()
	h, ok := c.active[threadID]
	c.mu.Unlock()
	if ok {
		h.Cancel()
	}
	return ok
}

// CancelAll stops every running generation, for shutdown.
func (c *Controller) CancelAll() {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.active))
	for _, h := range c.active {
		handles = append(handles, h)
	}
	c.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

// Hold reserves threadID without starting a generation, so Begin reports
// ErrGenerationActive until release is called. It fails with
// ErrGenerationActive when the thread is already busy.
func (c *Controller) Hold(threadID string) (release func(), err error) {
	h := &Handle{ThreadID: threadID, cancel: func() {}, done: make(chan struct{})}
	if err := c.reserve(h); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.release(h)
			close(h.done)
		})
	}, nil
}

func (c *Controller) reserve(h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[h.ThreadID]; busy {
		return ErrGenerationActive
	}
	c.active[h.ThreadID] = h
	return nil
}

func (c *Controller) release(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[h.ThreadID] == h {
		delete(c.active, h.ThreadID)
	}
}

// ---------------------------------------------------------------------------
// Handle
// ---------------------------------------------------------------------------

// Handle refers to one running generation.
type Handle struct {
	ThreadID  string
	MessageID string

	cancel  func()
	done    chan struct{}
	outcome Outcome
}

// Cancel aborts the generation. Content merged so far is kept. Safe to
// call more than once and after the generation ended.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the generation has ended and released its resources.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the generation ends and returns its outcome.
func (h *Handle) Wait() Outcome {
	<-h.done
	return h.outcome
}
