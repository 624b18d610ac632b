package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/batalabs/minechat/internal/domain"
	"github.com/batalabs/minechat/internal/provider"
	"github.com/batalabs/minechat/internal/stream"
	"github.com/batalabs/minechat/internal/transcript"
)

// Request describes a generation to start.
type Request struct {
	ThreadID string
	Text     string
	Config   domain.ModelConfig
}

// errCancelled stops a feed once cancellation has been requested, so nothing
// is merged after that point.
var errCancelled = errors.New("cancelled")

// Begin appends the user message, sends the request and, once the backend
// has accepted it, starts streaming into a new assistant message. A
// *provider.RejectedError is returned as is and no assistant message is
// created. Cancelling ctx, or calling Cancel on the handle, ends the
// generation with OutcomeCancelled.
func (c *Controller) Begin(ctx context.Context, req Request, onEvent EventFunc) (*Handle, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("begin: empty message")
	}
	if err := req.Config.Validate(); err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	genCtx, cancel := context.WithCancel(ctx)
	h := &Handle{ThreadID: req.ThreadID, cancel: cancel, done: make(chan struct{})}
	if err := c.reserve(h); err != nil {
		cancel()
		return nil, err
	}
	fail := func(err error) (*Handle, error) {
		cancel()
		c.release(h)
		return nil, err
	}

	thread, err := c.store.GetThread(req.ThreadID)
	if err != nil {
		return fail(fmt.Errorf("begin: %w", err))
	}
	if _, err := c.store.AppendUserMessage(req.ThreadID, req.Text); err != nil {
		return fail(fmt.Errorf("begin: appending user message: %w", err))
	}
	if thread.Title == "" {
		if err := c.store.UpdateThreadTitle(req.ThreadID, domain.Title(req.Text)); err != nil {
			c.log.Printf("generation %s: setting title: %v", domain.ShortID(req.ThreadID), err)
		}
	}
	history, err := c.store.ReadHistory(req.ThreadID)
	if err != nil {
		return fail(fmt.Errorf("begin: reading history: %w", err))
	}

	c.metrics.observeStart()
	body, err := c.transport.Post(genCtx, req.Config.EndpointURL, req.Config.APIKey, provider.BuildChatRequest(req.Config, history))
	if err != nil {
		c.metrics.observeEnd(beginFailure(genCtx, err), 0)
		return fail(err)
	}

	target, err := c.merger.Start(req.ThreadID)
	if err != nil {
		body.Close()
		c.metrics.observeEnd(Outcome{Kind: OutcomeError, Err: err}, 0)
		return fail(err)
	}
	h.MessageID = target.MessageID

	c.log.Printf("generation %s: streaming model=%s message=%s",
		domain.ShortID(req.ThreadID), req.Config.Model, domain.ShortID(target.MessageID))
	go c.run(genCtx, h, body, target, onEvent)
	return h, nil
}

func beginFailure(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	return Outcome{Kind: OutcomeError, Err: err}
}

// run is the read loop. The body is closed and the thread released on every
// exit path before EventDone is delivered.
func (c *Controller) run(ctx context.Context, h *Handle, body io.ReadCloser, target transcript.Target, onEvent EventFunc) {
	start := time.Now()
	sess := stream.NewSession(nil, c.log)

	apply := func(snap stream.Snapshot) error {
		if ctx.Err() != nil {
			return errCancelled
		}
		if err := c.merger.Apply(target, snap.Visible, snap.Reasoning); err != nil {
			return err
		}
		onEvent(Event{
			Kind:      EventProgress,
			ThreadID:  target.ThreadID,
			MessageID: target.MessageID,
			Visible:   snap.Visible,
			Reasoning: snap.Reasoning,
		})
		return nil
	}

	out := c.read(ctx, sess, body, apply)
	if out.Kind == OutcomeDone {
		final := sess.Final()
		if err := c.merger.Apply(target, final.Visible, final.Reasoning); err != nil {
			out = Outcome{Kind: OutcomeError, Err: err}
		}
	}

	body.Close()
	h.cancel()
	out.Visible, out.Reasoning, _ = c.merger.Current(target)
	c.merger.Finish(target)
	c.release(h)

	out.Stats = sess.Stats()
	out.Duration = time.Since(start)
	c.metrics.observeEnd(out, out.Stats.Bytes)
	c.metrics.observeMalformed(out.Stats.Malformed)
	c.logOutcome(target, out)

	h.outcome = out
	onEvent(Event{Kind: EventDone, ThreadID: target.ThreadID, MessageID: target.MessageID, Outcome: out})
	close(h.done)
}

func (c *Controller) read(ctx context.Context, sess *stream.Session, body io.Reader, apply func(stream.Snapshot) error) Outcome {
	buf := make([]byte, c.readSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := sess.Feed(buf[:n], apply); err != nil {
				return c.feedFailure(ctx, err)
			}
			if sess.Ended() {
				return Outcome{Kind: OutcomeDone}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return cancelled(ctx)
			}
			return Outcome{Kind: OutcomeError, Err: fmt.Errorf("%w: %v", ErrTransportInterrupted, readErr)}
		}
	}
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	if err := sess.Finish(apply); err != nil {
		return c.feedFailure(ctx, err)
	}
	return Outcome{Kind: OutcomeDone}
}

func (c *Controller) feedFailure(ctx context.Context, err error) Outcome {
	if errors.Is(err, errCancelled) {
		return cancelled(ctx)
	}
	return Outcome{Kind: OutcomeError, Err: err}
}

func cancelled(ctx context.Context) Outcome {
	reason := "cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "deadline exceeded"
	}
	return Outcome{Kind: OutcomeCancelled, Reason: reason}
}

func (c *Controller) logOutcome(t transcript.Target, out Outcome) {
	id := domain.ShortID(t.ThreadID)
	switch out.Kind {
	case OutcomeDone:
		c.log.Printf("generation %s: done bytes=%d records=%d malformed=%d in %s",
			id, out.Stats.Bytes, out.Stats.Records, out.Stats.Malformed, out.Duration.Round(time.Millisecond))
	case OutcomeCancelled:
		c.log.Printf("generation %s: %s after %d bytes, keeping %d chars",
			id, out.Reason, out.Stats.Bytes, len(out.Visible))
	default:
		c.log.Printf("generation %s: %s error: %v", id, ErrorKind(out.Err), out.Err)
	}
}
