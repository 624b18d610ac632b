package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one entry of a thread transcript. Content and Reasoning only
// change while the message is the in-progress assistant reply.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Reasoning string    `json:"reasoning,omitempty"`
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// Thread holds metadata about a conversation.
type Thread struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Preview        string    `json:"preview"`
	Model          string    `json:"model"`
	Character      string    `json:"character,omitempty"`
	MessageCount   int       `json:"message_count"`
	ParentThreadID string    `json:"parent_thread_id,omitempty"`
	BranchPoint    int       `json:"branch_point,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Dialect selects the request body shape understood by a backend.
type Dialect string

const (
	DialectOpenAI Dialect = "openai"
	DialectOllama Dialect = "ollama"
)

// ParseDialect maps user input to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "openai":
		return DialectOpenAI, nil
	case "ollama":
		return DialectOllama, nil
	}
	return "", fmt.Errorf("unknown dialect %q (want openai or ollama)", s)
}

// ModelConfig is the immutable configuration snapshot a generation runs
// with. It is resolved once when the generation begins.
type ModelConfig struct {
	EndpointURL  string  `json:"endpoint_url"`
	Dialect      Dialect `json:"dialect"`
	APIKey       string  `json:"-"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
}

// Validate checks the fields a request cannot be built without.
func (c ModelConfig) Validate() error {
	if strings.TrimSpace(c.EndpointURL) == "" {
		return fmt.Errorf("model config: endpoint url is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model config: model name is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("model config: temperature %.2f out of range [0, 2]", c.Temperature)
	}
	return nil
}

// Character is a named persona whose prompt joins the system context.
type Character struct {
	Name         string `json:"name" toml:"-"`
	SystemPrompt string `json:"system_prompt" toml:"system_prompt"`
}
