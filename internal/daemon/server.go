package daemon

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/batalabs/minechat/internal/config"
	"github.com/batalabs/minechat/internal/domain"
	"github.com/batalabs/minechat/internal/generation"
	"github.com/batalabs/minechat/internal/provider"
	"github.com/batalabs/minechat/internal/store"
	"github.com/batalabs/minechat/internal/stream"
)

// Server is the HTTP daemon that runs generations for every thread in the
// store.
type Server struct {
	store   *store.Store
	ctrl    *generation.Controller
	log     stream.Logger
	reg     *prometheus.Registry
	limiter *limiterPool
	probe   *http.Client // nil uses a default client

	mu    sync.Mutex
	prefs config.Preferences

	port   int
	ready  chan struct{} // closed once Start has bound the port and built server
	server *http.Server
	quiet  bool
	token  string
}

// NewServer creates a new daemon server. A nil transport uses the shared
// streaming HTTP client.
func NewServer(st *store.Store, prefs config.Preferences, transport provider.Transport, log stream.Logger) *Server {
	if log == nil {
		log = config.NewWriterLogger(nil)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Server{
		store:   st,
		log:     log,
		reg:     reg,
		limiter: newLimiterPool(prefs.Daemon.RateLimit, prefs.Daemon.RateBurst),
		prefs:   prefs,
		ready:   make(chan struct{}),
		token:   generateAuthToken(),
	}
	s.ctrl = generation.NewController(st, transport,
		generation.WithLogger(log),
		generation.WithMetrics(generation.NewMetrics(reg)),
		generation.WithPreviewLength(prefs.Display.PreviewLength),
	)
	return s
}

func generateAuthToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Extremely unlikely; empty token means auth check will reject requests.
		return ""
	}
	return hex.EncodeToString(b[:])
}

// AuthToken returns the daemon auth token for trusted in-process callers.
func (s *Server) AuthToken() string {
	return s.token
}

// SetQuiet controls whether startup logs are suppressed.
func (s *Server) SetQuiet(quiet bool) {
	s.quiet = quiet
}

// Preferences returns a copy of the active preferences.
func (s *Server) Preferences() config.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// SetPreferences swaps the active preferences. Running generations keep the
// snapshot they started with.
func (s *Server) SetPreferences(p config.Preferences) {
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
	s.limiter.configure(p.Daemon.RateLimit, p.Daemon.RateBurst)
}

// WatchConfig reloads preferences from dir until ctx is done.
func (s *Server) WatchConfig(ctx context.Context, dir string) error {
	return config.Watch(ctx, dir, 0,
		func(p config.Preferences) {
			s.SetPreferences(p)
			s.log.Printf("daemon: preferences reloaded")
		},
		func(err error) {
			s.log.Printf("daemon: config reload: %v", err)
		})
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

// Start begins listening on the given port. If the port is taken, falls back
// to an OS-assigned port. Blocks until the server shuts down.
func (s *Server) Start(port int) error {
	host := "localhost"
	if bind := strings.TrimSpace(s.Preferences().Daemon.BindAddress); bind != "" {
		host = bind
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		// Port in use -- let OS assign
		ln, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return fmt.Errorf("listening: %w", err)
		}
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	if !s.quiet {
		fmt.Fprintf(os.Stderr, "minechat server listening on port %d\n", s.port)
	}

	lf := Lockfile{Host: host, Port: s.port, Token: s.token, Model: s.Preferences().Model.Name}
	if err := WriteLockfile(lf); err != nil {
		ln.Close()
		return fmt.Errorf("writing lockfile: %w", err)
	}
	s.log.Printf("daemon: listening on %s", ln.Addr())

	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	close(s.ready)
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Port returns the actual listening port. Blocks until Start() has bound the
// listener and assigned the port.
func (s *Server) Port() int {
	<-s.ready
	return s.port
}

// Shutdown cancels running generations, stops the server and removes the
// lockfile.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ctrl.CancelAll()
	s.limiter.close()
	var err error
	select {
	case <-s.ready:
		err = s.server.Shutdown(ctx)
	default:
	}
	if err := RemoveLockfile(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: remove lockfile: %v\n", err)
	}
	return err
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/probe", s.withAuth(s.handleProbe))
	mux.HandleFunc("POST /api/threads", s.withAuth(s.handleCreateThread))
	mux.HandleFunc("GET /api/threads", s.withAuth(s.handleListThreads))
	mux.HandleFunc("GET /api/threads/{id}", s.withAuth(s.handleGetThread))
	mux.HandleFunc("PATCH /api/threads/{id}", s.withAuth(s.handleUpdateThread))
	mux.HandleFunc("DELETE /api/threads/{id}", s.withAuth(s.handleDeleteThread))
	mux.HandleFunc("GET /api/threads/{id}/messages", s.withAuth(s.handleGetMessages))
	mux.HandleFunc("POST /api/threads/{id}/branch", s.withAuth(s.handleBranch))
	mux.HandleFunc("POST /api/threads/{id}/generate", s.withAuth(s.handleGenerate))
	mux.HandleFunc("POST /api/threads/{id}/cancel", s.withAuth(s.handleCancel))
	mux.HandleFunc("GET /api/config", s.withAuth(s.handleGetConfig))
	mux.HandleFunc("POST /api/config", s.withAuth(s.handleSetConfig))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(r.Header.Get("Authorization"))
		const bearer = "Bearer "
		if strings.HasPrefix(got, bearer) {
			got = strings.TrimSpace(strings.TrimPrefix(got, bearer))
		}
		// Constant-time compare to avoid token oracle behavior.
		if got == "" || s.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pid":    os.Getpid(),
		"port":   s.port,
	})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Preferences().Snapshot("")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := provider.Probe(r.Context(), s.probe, cfg)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"endpoint":   cfg.EndpointURL,
		"model":      cfg.Model,
		"latency_ms": res.Latency.Milliseconds(),
	})
}

// resolveThread looks a thread up by full ID, then by prefix.
func (s *Server) resolveThread(w http.ResponseWriter, id string) (*domain.Thread, bool) {
	th, err := s.store.GetThread(id)
	if err != nil {
		th, err = s.store.FindThreadByPrefix(id)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread not found"})
		} else {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return nil, false
	}
	return th, true
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title     string `json:"title"`
		Character string `json:"character"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	prefs := s.Preferences()
	if req.Character != "" {
		if _, ok := prefs.Characters[req.Character]; !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown character %q", req.Character)})
			return
		}
	}
	th, err := s.store.CreateThread(strings.TrimSpace(req.Title), prefs.Model.Name, req.Character)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	threads, err := s.store.ListThreads(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if threads == nil {
		threads = []domain.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	th, ok := s.resolveThread(w, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleUpdateThread(w http.ResponseWriter, r *http.Request) {
	th, ok := s.resolveThread(w, r.PathValue("id"))
	if !ok {
		return
	}
	var req struct {
		Title     *string `json:"title"`
		Character *string `json:"character"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Title != nil {
		if err := s.store.UpdateThreadTitle(th.ID, strings.TrimSpace(*req.Title)); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	if req.Character != nil {
		name := strings.TrimSpace(*req.Character)
		if _, known := s.Preferences().Characters[name]; name != "" && !known {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown character %q", name)})
			return
		}
		if err := s.store.UpdateThreadCharacter(th.ID, name); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	updated, err := s.store.GetThread(th.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	th, ok := s.resolveThread(w, r.PathValue("id"))
	if !ok {
		return
	}
	release, err := s.ctrl.Hold(th.ID)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	defer release()
	if err := s.store.DeleteThread(th.ID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	th, ok := s.resolveThread(w, r.PathValue("id"))
	if !ok {
		return
	}
	msgs, err := s.store.ReadHistory(th.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	th, ok := s.resolveThread(w, r.PathValue("id"))
	if !ok {
		return
	}
	var req struct {
		AtSequence int `json:"at_sequence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	branch, err := s.store.BranchThread(th.ID, req.AtSequence)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, branch)
}

// handleGenerate starts a generation and streams it as SSE. Errors that
// happen before the backend accepted the request are plain JSON responses.
// Closing the connection cancels the generation.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty text"})
		return
	}

	if ok, wait := s.limiter.reserve(clientKey(r)); !ok {
		secs := int(wait.Seconds() + 0.999)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	th, ok := s.resolveThread(w, r.PathValue("id"))
	if !ok {
		return
	}
	cfg, err := s.Preferences().Snapshot(th.Character)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	// Headers are written with the first event so that a failed Begin can
	// still answer with a JSON status.
	var sseMu sync.Mutex
	started := false
	sendSSE := func(event string, data any) {
		sseMu.Lock()
		defer sseMu.Unlock()
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		writeSSE(s.log, w, flusher, event, data)
	}

	h, err := s.ctrl.Begin(r.Context(), generation.Request{ThreadID: th.ID, Text: req.Text, Config: cfg},
		func(ev generation.Event) {
			switch ev.Kind {
			case generation.EventProgress:
				sendSSE("progress", progressPayload{
					MessageID: ev.MessageID,
					Visible:   ev.Visible,
					Reasoning: ev.Reasoning,
				})
			case generation.EventDone:
				sendSSE("done", newDonePayload(ev.MessageID, ev.Outcome))
			}
		})
	if err != nil {
		writeBeginError(w, err)
		return
	}
	h.Wait()
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	th, ok := s.resolveThread(w, r.PathValue("id"))
	if !ok {
		return
	}
	if !s.ctrl.Cancel(th.ID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active generation for thread"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Preferences().Grouped())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	s.mu.Lock()
	next := s.prefs
	next.Characters = cloneCharacters(s.prefs.Characters)
	s.mu.Unlock()

	if err := next.Set(req.Key, req.Value); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := config.SavePreferences(next); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.SetPreferences(next)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": fmt.Sprintf("Set %s = %s", req.Key, next.Get(req.Key)),
	})
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

type progressPayload struct {
	MessageID string `json:"message_id"`
	Visible   string `json:"visible"`
	Reasoning string `json:"reasoning"`
}

type donePayload struct {
	MessageID  string `json:"message_id"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Visible    string `json:"visible"`
	Reasoning  string `json:"reasoning"`
	Bytes      int    `json:"bytes"`
	Records    int    `json:"records"`
	Malformed  int    `json:"malformed"`
	DurationMs int64  `json:"duration_ms"`
}

func newDonePayload(messageID string, out generation.Outcome) donePayload {
	p := donePayload{
		MessageID:  messageID,
		Outcome:    out.Kind.String(),
		ErrorKind:  out.ErrorKind(),
		Reason:     out.Reason,
		Visible:    out.Visible,
		Reasoning:  out.Reasoning,
		Bytes:      out.Stats.Bytes,
		Records:    out.Stats.Records,
		Malformed:  out.Stats.Malformed,
		DurationMs: out.Duration.Milliseconds(),
	}
	if out.Err != nil {
		p.Error = out.Err.Error()
	}
	return p
}

func writeBeginError(w http.ResponseWriter, err error) {
	var rejected *provider.RejectedError
	switch {
	case errors.Is(err, generation.ErrGenerationActive):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "kind": "busy"})
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":           rejected.Error(),
			"kind":            "rejected",
			"upstream_status": rejected.StatusCode,
		})
	case errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error(), "kind": "cancelled"})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error(), "kind": generation.ErrorKind(err)})
	}
}

// ---------------------------------------------------------------------------
// SSE + JSON helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: write json response: %v\n", err)
	}
}

func writeSSE(log stream.Logger, w io.Writer, flusher http.Flusher, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		log.Printf("daemon: encode %s event: %v", event, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(b))
	flusher.Flush()
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func cloneCharacters(m map[string]domain.Character) map[string]domain.Character {
	if m == nil {
		return nil
	}
	out := make(map[string]domain.Character, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
