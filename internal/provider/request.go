package provider

import (
	"strings"

	"github.com/batalabs/minechat/internal/domain"
)

// ChatMessage is one entry of the request's messages array.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the streaming request body. Options is only sent to Ollama,
// which reads sampling parameters from there.
type ChatRequest struct {
	Model       string         `json:"model"`
	Messages    []ChatMessage  `json:"messages"`
	Temperature float64        `json:"temperature"`
	Stream      bool           `json:"stream"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

// BuildChatRequest assembles the body for a generation: the system prompt
// first, then history in order. Messages without content are left out.
func BuildChatRequest(cfg domain.ModelConfig, history []domain.Message) ChatRequest {
	msgs := make([]ChatMessage, 0, len(history)+1)
	if sys := strings.TrimSpace(cfg.SystemPrompt); sys != "" {
		msgs = append(msgs, ChatMessage{Role: string(domain.RoleSystem), Content: sys})
	}
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	req := ChatRequest{
		Model:       cfg.Model,
		Messages:    msgs,
		Temperature: cfg.Temperature,
		Stream:      true,
	}
	if cfg.Dialect == domain.DialectOllama {
		req.Options = map[string]any{"temperature": cfg.Temperature}
	}
	return req
}
