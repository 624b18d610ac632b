package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTransport_Post(t *testing.T) {
	var gotBody ChatRequest
	var gotAuth, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"hi"}}]}`)
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client())
	body := ChatRequest{Model: "m", Messages: []ChatMessage{{Role: "user", Content: "hey"}}, Stream: true}
	rc, err := tr.Post(context.Background(), srv.URL, "sk-test", body)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want Bearer sk-test", gotAuth)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotType)
	}
	if gotBody.Model != "m" || !gotBody.Stream || len(gotBody.Messages) != 1 {
		t.Errorf("server saw body %+v", gotBody)
	}
	if want := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\ndata: [DONE]\n"; string(raw) != want {
		t.Errorf("body = %q, want %q", raw, want)
	}
}

func TestHTTPTransport_Post_noKeyNoAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("Authorization = %q, want empty", h)
		}
	}))
	defer srv.Close()

	rc, err := NewHTTPTransport(srv.Client()).Post(context.Background(), srv.URL, "", map[string]any{})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	rc.Close()
}

func TestHTTPTransport_Post_rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"quota","type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	rc, err := NewHTTPTransport(srv.Client()).Post(context.Background(), srv.URL, "", map[string]any{})
	if rc != nil {
		t.Fatal("expected no body on rejection")
	}
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want *RejectedError", err)
	}
	if rej.StatusCode != 429 || rej.Message != "quota" || rej.RetryAfterMs != 3000 {
		t.Errorf("rejection = %+v", rej)
	}
}

func TestHTTPTransport_Post_cancelledMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"a"}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := NewHTTPTransport(srv.Client()).Post(ctx, srv.URL, "", map[string]any{})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer rc.Close()

	buf := make([]byte, 64)
	if _, err := rc.Read(buf); err != nil {
		t.Fatalf("first read: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := rc.Read(buf)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the pending read to fail after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending read did not return after cancel")
	}
}
