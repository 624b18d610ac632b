package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/batalabs/minechat/internal/domain"
)

// ProbeTimeout bounds a connection test.
const ProbeTimeout = 10 * time.Second

// ProbeResult describes a successful connection test.
type ProbeResult struct {
	Latency time.Duration
}

// Probe sends a one-token, non-streaming request to check that the endpoint
// is reachable and accepts the configured model and key.
func Probe(ctx context.Context, client *http.Client, cfg domain.ModelConfig) (ProbeResult, error) {
	if err := cfg.Validate(); err != nil {
		return ProbeResult{}, err
	}
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	body := ChatRequest{
		Model:       cfg.Model,
		Messages:    []ChatMessage{{Role: string(domain.RoleUser), Content: "Hello"}},
		Temperature: cfg.Temperature,
		Stream:      false,
		MaxTokens:   1,
	}
	if cfg.Dialect == domain.DialectOllama {
		body.Options = map[string]any{"num_predict": 1, "temperature": cfg.Temperature}
	}

	start := time.Now()
	rc, err := NewHTTPTransport(client).Post(ctx, cfg.EndpointURL, cfg.APIKey, body)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe %s: %w", cfg.EndpointURL, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, maxErrorBody))
	return ProbeResult{Latency: time.Since(start)}, nil
}
