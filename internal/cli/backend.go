package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/batalabs/minechat/internal/config"
	"github.com/batalabs/minechat/internal/daemon"
	"github.com/batalabs/minechat/internal/domain"
	"github.com/batalabs/minechat/internal/generation"
	"github.com/batalabs/minechat/internal/provider"
	"github.com/batalabs/minechat/internal/store"
	"github.com/batalabs/minechat/internal/transcript"
)

// chatBackend is what the interactive chat needs from either a daemon or
// an in-process controller.
type chatBackend interface {
	CreateThread(character string) (*domain.Thread, error)
	GetThread(id string) (*domain.Thread, error)
	ListThreads(limit int) ([]domain.Thread, error)
	RenameThread(id, title string) error
	BranchThread(id string, atSequence int) (*domain.Thread, error)
	Messages(id string) ([]domain.Message, error)
	Generate(ctx context.Context, threadID, text string, onProgress func(visible, reasoning string)) (turnResult, error)
	Config() ([]config.ConfigGroup, error)
	SetConfig(key, value string) (string, error)
	ShowReasoning() bool
	Probe(ctx context.Context) (time.Duration, error)
	Close() error
}

// ---------------------------------------------------------------------------
// Daemon connection
// ---------------------------------------------------------------------------

// connection is a daemon client plus the embedded server it may own.
type connection struct {
	client   *daemon.DaemonClient
	embedded *daemon.Server
	store    *store.Store
}

// connect attaches to a running daemon, or starts one in-process when none
// is running.
func connect(a *app) (*connection, error) {
	if c, err := daemon.NewDaemonClientFromLockfile(); err == nil {
		return &connection{client: c}, nil
	} else if !errors.Is(err, daemon.ErrNoDaemon) {
		a.log.Printf("cli: ignoring lockfile: %v", err)
	}

	st, err := store.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	srv := daemon.NewServer(st, config.LoadPreferences(), nil, a.log)
	srv.SetQuiet(true)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(0) }()
	portCh := make(chan int, 1)
	go func() { portCh <- srv.Port() }()

	var port int
	select {
	case port = <-portCh:
	case err := <-errCh:
		st.Close()
		if err == nil {
			err = errors.New("server stopped")
		}
		return nil, fmt.Errorf("starting embedded daemon: %w", err)
	}
	go func() {
		if err := <-errCh; err != nil {
			a.log.Printf("cli: embedded server: %v", err)
		}
	}()
	c := daemon.NewDaemonClient(port)
	c.SetAuthToken(srv.AuthToken())
	return &connection{client: c, embedded: srv, store: st}, nil
}

func (c *connection) Close() error {
	if c.embedded == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.embedded.Shutdown(ctx)
	if cerr := c.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// daemonBackend runs chats through the daemon HTTP API.
type daemonBackend struct {
	*connection
}

func (b daemonBackend) CreateThread(character string) (*domain.Thread, error) {
	return b.client.CreateThread("", character)
}

func (b daemonBackend) GetThread(id string) (*domain.Thread, error) { return b.client.GetThread(id) }

func (b daemonBackend) ListThreads(limit int) ([]domain.Thread, error) {
	return b.client.ListThreads(limit)
}

func (b daemonBackend) RenameThread(id, title string) error {
	_, err := b.client.UpdateThread(id, &title, nil)
	return err
}

func (b daemonBackend) BranchThread(id string, atSequence int) (*domain.Thread, error) {
	return b.client.BranchThread(id, atSequence)
}

func (b daemonBackend) Messages(id string) ([]domain.Message, error) { return b.client.GetMessages(id) }

// Generate streams one reply. Cancelling ctx asks the daemon to cancel so
// the partial reply still comes back in the done event.
func (b daemonBackend) Generate(ctx context.Context, threadID, text string, onProgress func(visible, reasoning string)) (turnResult, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = b.client.Cancel(threadID)
		case <-stop:
		}
	}()

	var res turnResult
	err := b.client.Generate(context.WithoutCancel(ctx), threadID, text, func(ev daemon.SSEEvent) {
		switch ev.Type {
		case "progress":
			onProgress(ev.Visible, ev.Reasoning)
		case "done":
			res = turnResult{
				MessageID: ev.MessageID,
				Outcome:   ev.Outcome,
				Error:     ev.Error,
				ErrorKind: ev.ErrorKind,
				Reason:    ev.Reason,
				Visible:   ev.Visible,
				Reasoning: ev.Reasoning,
				Bytes:     ev.Bytes,
				Records:   ev.Records,
				Malformed: ev.Malformed,
				Duration:  time.Duration(ev.DurationMs) * time.Millisecond,
			}
		}
	})
	return res, err
}

func (b daemonBackend) Config() ([]config.ConfigGroup, error) { return b.client.GetConfig() }

func (b daemonBackend) SetConfig(key, value string) (string, error) {
	return b.client.SetConfig(key, value)
}

func (b daemonBackend) ShowReasoning() bool {
	groups, err := b.client.GetConfig()
	if err != nil {
		return true
	}
	for _, g := range groups {
		for _, e := range g.Entries {
			if e.Key == "display.show_reasoning" {
				v, err := config.ParseBoolish(e.Value)
				return err != nil || v
			}
		}
	}
	return true
}

func (b daemonBackend) Probe(ctx context.Context) (time.Duration, error) {
	res, err := b.client.Probe()
	if err != nil {
		return 0, err
	}
	return time.Duration(res.LatencyMs) * time.Millisecond, nil
}

// ---------------------------------------------------------------------------
// In-process backend
// ---------------------------------------------------------------------------

// localBackend keeps threads in memory and streams with an in-process
// controller. Nothing is written to disk.
type localBackend struct {
	store *transcript.MemoryStore
	ctrl  *generation.Controller

	mu    sync.Mutex
	prefs config.Preferences
}

func newLocalBackend(prefs config.Preferences, transport provider.Transport, log *config.Logger) *localBackend {
	ms := transcript.NewMemoryStore()
	return &localBackend{
		store: ms,
		ctrl: generation.NewController(ms, transport,
			generation.WithLogger(log),
			generation.WithPreviewLength(prefs.Display.PreviewLength)),
		prefs: prefs,
	}
}

func (b *localBackend) preferences() config.Preferences {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prefs
}

func (b *localBackend) CreateThread(character string) (*domain.Thread, error) {
	p := b.preferences()
	if _, ok := p.Characters[character]; character != "" && !ok {
		return nil, fmt.Errorf("unknown character %q", character)
	}
	return b.store.CreateThread("", p.Model.Name, character)
}

func (b *localBackend) GetThread(id string) (*domain.Thread, error) {
	if th, err := b.store.GetThread(id); err == nil {
		return th, nil
	}
	return b.store.FindThreadByPrefix(id)
}

func (b *localBackend) ListThreads(limit int) ([]domain.Thread, error) {
	return b.store.ListThreads(limit)
}

func (b *localBackend) RenameThread(id, title string) error {
	return b.store.UpdateThreadTitle(id, title)
}

func (b *localBackend) BranchThread(string, int) (*domain.Thread, error) {
	return nil, errors.New("branching needs the persistent store; run without --ephemeral")
}

func (b *localBackend) Messages(id string) ([]domain.Message, error) {
	return b.store.ReadHistory(id)
}

func (b *localBackend) Generate(ctx context.Context, threadID, text string, onProgress func(visible, reasoning string)) (turnResult, error) {
	th, err := b.store.GetThread(threadID)
	if err != nil {
		return turnResult{}, err
	}
	cfg, err := b.preferences().Snapshot(th.Character)
	if err != nil {
		return turnResult{}, err
	}
	h, err := b.ctrl.Begin(ctx, generation.Request{ThreadID: threadID, Text: text, Config: cfg},
		func(ev generation.Event) {
			if ev.Kind == generation.EventProgress {
				onProgress(ev.Visible, ev.Reasoning)
			}
		})
	if err != nil {
		return turnResult{}, err
	}
	out := h.Wait()
	res := turnResult{
		MessageID: h.MessageID,
		Outcome:   out.Kind.String(),
		ErrorKind: out.ErrorKind(),
		Reason:    out.Reason,
		Visible:   out.Visible,
		Reasoning: out.Reasoning,
		Bytes:     out.Stats.Bytes,
		Records:   out.Stats.Records,
		Malformed: out.Stats.Malformed,
		Duration:  out.Duration,
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	return res, nil
}

func (b *localBackend) Config() ([]config.ConfigGroup, error) {
	return b.preferences().Grouped(), nil
}

// SetConfig changes the session's preferences only.
func (b *localBackend) SetConfig(key, value string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.prefs
	next.Characters = make(map[string]domain.Character, len(b.prefs.Characters))
	for k, v := range b.prefs.Characters {
		next.Characters[k] = v
	}
	if err := next.Set(key, value); err != nil {
		return "", err
	}
	b.prefs = next
	return fmt.Sprintf("Set %s = %s (this session only)", key, next.Get(key)), nil
}

func (b *localBackend) ShowReasoning() bool { return b.preferences().Display.ShowReasoning }

func (b *localBackend) Probe(ctx context.Context) (time.Duration, error) {
	cfg, err := b.preferences().Snapshot("")
	if err != nil {
		return 0, err
	}
	res, err := provider.Probe(ctx, nil, cfg)
	if err != nil {
		return 0, err
	}
	return res.Latency, nil
}

func (b *localBackend) Close() error {
	b.ctrl.CancelAll()
	return nil
}
