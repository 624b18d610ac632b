package domain

import (
	"regexp"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// uuid.go
// ---------------------------------------------------------------------------

func TestNewID(t *testing.T) {
	id := NewID()
	re := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	if !re.MatchString(id) {
		t.Errorf("id %q does not match v4 format", id)
	}
}

func TestNewID_unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id on iteration %d: %s", i, id)
		}
		seen[id] = true
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("ShortID = %q, want 01234567", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID = %q, want abc", got)
	}
}

// ---------------------------------------------------------------------------
// preview.go
// ---------------------------------------------------------------------------

func TestPreview(t *testing.T) {
	tests := []struct {
		name    string
		content string
		n       int
		want    string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"truncated", "hello world", 5, "hello..."},
		{"whitespace collapsed", "a\n\nb   c", 10, "a b c"},
		{"default length", strings.Repeat("x", 60), 0, strings.Repeat("x", 50) + "..."},
		{"empty", "", 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.content, tt.n); got != tt.want {
				t.Errorf("Preview(%q, %d) = %q, want %q", tt.content, tt.n, got, tt.want)
			}
		})
	}
}

func TestPreview_graphemeSafe(t *testing.T) {
	// family emoji is a single grapheme built from several runes
	family := "\U0001F468‍\U0001F469‍\U0001F467"
	got := Preview(family+family+"tail", 2)
	if got != family+family+"..." {
		t.Errorf("Preview = %q, want two whole graphemes", got)
	}

	accented := "ééé"
	if got := Preview(accented, 2); got != "éé..." {
		t.Errorf("Preview = %q, want combining marks kept", got)
	}
}

func TestTitle(t *testing.T) {
	if got := Title("  "); got != "New chat" {
		t.Errorf("Title(blank) = %q, want New chat", got)
	}
	long := strings.Repeat("word ", 20)
	got := Title(long)
	if len([]rune(got)) != TitleLength {
		t.Errorf("Title length = %d, want %d", len([]rune(got)), TitleLength)
	}
	if strings.HasSuffix(got, "...") {
		t.Errorf("Title should not carry an ellipsis: %q", got)
	}
}

// ---------------------------------------------------------------------------
// types.go
// ---------------------------------------------------------------------------

func TestRole_Valid(t *testing.T) {
	for _, r := range []Role{RoleUser, RoleAssistant, RoleSystem} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	if Role("tool").Valid() {
		t.Error("tool should not be valid")
	}
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"", DialectOpenAI, false},
		{"OpenAI", DialectOpenAI, false},
		{" ollama ", DialectOllama, false},
		{"gemini", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDialect(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDialect(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestModelConfig_Validate(t *testing.T) {
	ok := ModelConfig{EndpointURL: "http://x", Model: "m", Temperature: 0.7}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]ModelConfig{
		"no endpoint": {Model: "m"},
		"no model":    {EndpointURL: "http://x"},
		"temp high":   {EndpointURL: "http://x", Model: "m", Temperature: 3},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// ---------------------------------------------------------------------------
// commands.go
// ---------------------------------------------------------------------------

func TestCommandDefs_allHaveGroup(t *testing.T) {
	groups := map[string]bool{}
	for _, g := range CommandGroups {
		groups[g.Key] = true
	}
	for _, c := range CommandDefs {
		if !strings.HasPrefix(c.Name, "/") {
			t.Errorf("command %q should start with /", c.Name)
		}
		if !groups[c.Group] {
			t.Errorf("command %s has unknown group %q", c.Name, c.Group)
		}
	}
}

func TestParseCommand(t *testing.T) {
	def, args, ok := ParseCommand("  /rename My   thread ")
	if !ok {
		t.Fatal("expected /rename to parse")
	}
	if def.Name != "/rename" {
		t.Errorf("name = %q, want /rename", def.Name)
	}
	if strings.Join(args, " ") != "My thread" {
		t.Errorf("args = %q, want [My thread]", args)
	}

	if _, _, ok := ParseCommand("hello there"); ok {
		t.Error("plain text should not parse as a command")
	}
	def, _, ok = ParseCommand("/nope")
	if ok {
		t.Error("unknown command should not be ok")
	}
	if def.Name != "/nope" {
		t.Errorf("unknown name = %q, want /nope", def.Name)
	}
}
