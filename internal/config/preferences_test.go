package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/batalabs/minechat/internal/domain"
)

func useTempConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig := configDirOverride
	configDirOverride = dir
	t.Cleanup(func() { configDirOverride = orig })
	return dir
}

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvEndpoint, EnvModel, EnvAPIKey, EnvOllamaURL} {
		t.Setenv(k, "")
	}
}

func TestConfigGroupNames(t *testing.T) {
	names := ConfigGroupNames()
	want := []string{"endpoint", "model", "prompt", "display", "daemon"}
	if len(names) != len(want) {
		t.Fatalf("expected %d group names, got %d", len(want), len(names))
	}
	for i, n := range names {
		if n != want[i] {
			t.Errorf("group name [%d] = %q, want %q", i, n, want[i])
		}
	}
}

func TestConfigFilePath(t *testing.T) {
	dir := useTempConfigDir(t)
	if got, want := ConfigFilePath(), filepath.Join(dir, "config.toml"); got != want {
		t.Errorf("ConfigFilePath() = %q, want %q", got, want)
	}
}

func TestDefaultPreferences(t *testing.T) {
	p := DefaultPreferences()
	if p.Endpoint.URL != "http://localhost:11434/v1/chat/completions" {
		t.Errorf("Endpoint.URL = %q", p.Endpoint.URL)
	}
	if p.Endpoint.Dialect != "openai" {
		t.Errorf("Dialect = %q", p.Endpoint.Dialect)
	}
	if p.Model.Name != "llama3" || p.Model.Temperature != 0.7 {
		t.Errorf("Model = %+v", p.Model)
	}
	if !p.Display.ShowReasoning || p.Display.PreviewLength != 50 {
		t.Errorf("Display = %+v", p.Display)
	}
	if p.Daemon.RateLimit != 5 || p.Daemon.RateBurst != 10 {
		t.Errorf("Daemon = %+v", p.Daemon)
	}
}

func TestLoadPreferences(t *testing.T) {
	t.Run("returns defaults when file is missing", func(t *testing.T) {
		useTempConfigDir(t)
		p := LoadPreferences()
		if p.Model.Name != "llama3" {
			t.Errorf("Model.Name = %q, want default", p.Model.Name)
		}
	})

	t.Run("loads from config.toml over defaults", func(t *testing.T) {
		dir := useTempConfigDir(t)
		content := `
[endpoint]
url = "http://box:8080/v1/chat/completions"

[model]
name = "qwen3"

[display]
show_reasoning = false

[characters.pirate]
system_prompt = "Talk like a pirate."
`
		os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o600)

		p := LoadPreferences()
		if p.Endpoint.URL != "http://box:8080/v1/chat/completions" {
			t.Errorf("Endpoint.URL = %q", p.Endpoint.URL)
		}
		if p.Endpoint.Dialect != "openai" {
			t.Errorf("Dialect = %q, want default kept", p.Endpoint.Dialect)
		}
		if p.Model.Name != "qwen3" {
			t.Errorf("Model.Name = %q", p.Model.Name)
		}
		if p.Model.Temperature != 0.7 {
			t.Errorf("Temperature = %v, want default kept", p.Model.Temperature)
		}
		if p.Display.ShowReasoning {
			t.Error("expected ShowReasoning=false")
		}
		c, ok := p.Characters["pirate"]
		if !ok {
			t.Fatal("expected pirate character")
		}
		if c.Name != "pirate" || c.SystemPrompt != "Talk like a pirate." {
			t.Errorf("character = %+v", c)
		}
	})

	t.Run("handles invalid config.toml gracefully", func(t *testing.T) {
		dir := useTempConfigDir(t)
		os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[endpoint\nurl ="), 0o600)

		p := LoadPreferences()
		if p.Model.Name != "llama3" {
			t.Errorf("expected defaults after bad TOML, got %+v", p.Model)
		}
	})

	t.Run("sanitizes loaded preferences", func(t *testing.T) {
		dir := useTempConfigDir(t)
		os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[endpoint]\napi_key = \"\\u0000sk-dirty\"\n"), 0o600)

		p := LoadPreferences()
		if p.Endpoint.APIKey != "sk-dirty" {
			t.Errorf("APIKey = %q, want sanitized", p.Endpoint.APIKey)
		}
	})
}

func TestLoadPreferencesFile_error(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("model = ["), 0o600)
	if _, err := LoadPreferencesFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestSavePreferences(t *testing.T) {
	dir := useTempConfigDir(t)

	p := DefaultPreferences()
	p.Model.Name = "mistral"
	p.Endpoint.APIKey = "sk-test"
	p.setCharacter("bard", "Answer in verse.")

	if err := SavePreferences(p); err != nil {
		t.Fatalf("SavePreferences: %v", err)
	}

	path := filepath.Join(dir, "config.toml")
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("mode = %o, want 600", perm)
		}
	}

	loaded, err := LoadPreferencesFile(path)
	if err != nil {
		t.Fatalf("LoadPreferencesFile: %v", err)
	}
	if loaded.Model.Name != "mistral" {
		t.Errorf("Model.Name = %q", loaded.Model.Name)
	}
	if loaded.Endpoint.APIKey != "sk-test" {
		t.Errorf("APIKey = %q", loaded.Endpoint.APIKey)
	}
	if loaded.Characters["bard"].SystemPrompt != "Answer in verse." {
		t.Errorf("Characters = %+v", loaded.Characters)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only config.toml in dir, got %d entries", len(entries))
	}
}

func TestWarnInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission check not applicable on Windows")
	}

	t.Run("does not warn for 0600", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "secure.toml")
		os.WriteFile(f, []byte(""), 0o600)
		warnInsecurePermissions(f)
	})

	t.Run("handles nonexistent file", func(t *testing.T) {
		warnInsecurePermissions("/nonexistent/file.toml")
	})
}

func TestPreferences_SetGet(t *testing.T) {
	clearEnvOverrides(t)
	tests := []struct {
		key, value, want string
	}{
		{"endpoint.url", "http://x/v1/chat/completions", "http://x/v1/chat/completions"},
		{"endpoint.dialect", "OLLAMA", "ollama"},
		{"endpoint.api_key", "sk-123456789", "****6789"},
		{"model.name", "phi4", "phi4"},
		{"model.temperature", "1.25", "1.25"},
		{"prompt.system", "Be brief.", "Be brief."},
		{"prompt.user_bio", "I like Go.", "I like Go."},
		{"display.show_reasoning", "off", "false"},
		{"display.preview_length", "80", "80"},
		{"daemon.bind_address", "127.0.0.1:4097", "127.0.0.1:4097"},
		{"daemon.rate_limit", "2.5", "2.5"},
		{"daemon.rate_burst", "4", "4"},
		{"characters.pirate.system_prompt", "Arr.", "Arr."},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			p := DefaultPreferences()
			if err := p.Set(tt.key, tt.value); err != nil {
				t.Fatalf("Set(%q, %q): %v", tt.key, tt.value, err)
			}
			if got := p.Get(tt.key); got != tt.want {
				t.Errorf("Get(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestPreferences_Set_invalid(t *testing.T) {
	tests := []struct{ key, value string }{
		{"endpoint.url", "  "},
		{"endpoint.dialect", "grpc"},
		{"model.name", ""},
		{"model.temperature", "hot"},
		{"model.temperature", "2.5"},
		{"display.show_reasoning", "maybe"},
		{"display.preview_length", "0"},
		{"daemon.rate_limit", "-1"},
		{"daemon.rate_burst", "x"},
		{"characters..system_prompt", "x"},
		{"characters.a.b.system_prompt", "x"},
		{"nope", "x"},
	}
	for _, tt := range tests {
		p := DefaultPreferences()
		if err := p.Set(tt.key, tt.value); err == nil {
			t.Errorf("Set(%q, %q) expected error", tt.key, tt.value)
		}
	}
}

func TestPreferences_Set_sanitizesAPIKey(t *testing.T) {
	p := DefaultPreferences()
	if err := p.Set("endpoint.api_key", "\x00sk-abc\x7f\n"); err != nil {
		t.Fatal(err)
	}
	if p.Endpoint.APIKey != "sk-abc" {
		t.Errorf("APIKey = %q, want %q", p.Endpoint.APIKey, "sk-abc")
	}
}

func TestPreferences_Set_removesCharacter(t *testing.T) {
	p := DefaultPreferences()
	p.Set("characters.bard.system_prompt", "Verse.")
	p.Set("characters.bard.system_prompt", "")
	if _, ok := p.Characters["bard"]; ok {
		t.Error("expected empty prompt to remove the character")
	}
}

func TestPreferences_Grouped(t *testing.T) {
	clearEnvOverrides(t)
	p := DefaultPreferences()
	p.Endpoint.APIKey = "sk-secret-1234"
	p.setCharacter("bard", "Verse.")

	groups := p.Grouped()
	if len(groups) != len(ConfigGroupDefs)+1 {
		t.Fatalf("got %d groups, want %d", len(groups), len(ConfigGroupDefs)+1)
	}
	ep := p.GroupByName("endpoint")
	if ep == nil {
		t.Fatal("expected endpoint group")
	}
	for _, e := range ep.Entries {
		if e.Key == "endpoint.api_key" && e.Value != "****1234" {
			t.Errorf("api key display = %q, want masked", e.Value)
		}
	}
	prompt := p.GroupByName("prompt")
	if prompt.Entries[0].Value != "(not set)" {
		t.Errorf("empty value display = %q, want (not set)", prompt.Entries[0].Value)
	}
	chars := p.GroupByName("characters")
	if chars == nil || chars.Entries[0].Key != "characters.bard.system_prompt" {
		t.Errorf("characters group = %+v", chars)
	}
	if p.GroupByName("nope") != nil {
		t.Error("expected nil for unknown group")
	}
}

func TestPreferences_Get_apiKeyFromEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, "sk-from-env-9999")
	p := DefaultPreferences()
	if got := p.Get("endpoint.api_key"); got != "****9999 (from env)" {
		t.Errorf("Get = %q", got)
	}
}

func TestPreferences_Snapshot(t *testing.T) {
	clearEnvOverrides(t)

	t.Run("joins system context", func(t *testing.T) {
		p := DefaultPreferences()
		p.Prompt.System = "You are helpful."
		p.Prompt.UserBio = "The user is a gardener."
		p.setCharacter("bard", "Answer in verse.")

		cfg, err := p.Snapshot("bard")
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		want := "You are helpful.\n\nAnswer in verse.\n\nThe user is a gardener."
		if cfg.SystemPrompt != want {
			t.Errorf("SystemPrompt = %q, want %q", cfg.SystemPrompt, want)
		}
		if cfg.Model != "llama3" || cfg.Dialect != domain.DialectOpenAI || cfg.Temperature != 0.7 {
			t.Errorf("cfg = %+v", cfg)
		}
	})

	t.Run("skips empty parts", func(t *testing.T) {
		p := DefaultPreferences()
		p.Prompt.UserBio = "  bio  "
		cfg, err := p.Snapshot("")
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if cfg.SystemPrompt != "bio" {
			t.Errorf("SystemPrompt = %q, want %q", cfg.SystemPrompt, "bio")
		}
	})

	t.Run("unknown character", func(t *testing.T) {
		if _, err := DefaultPreferences().Snapshot("ghost"); err == nil {
			t.Error("expected error for unknown character")
		}
	})

	t.Run("applies env", func(t *testing.T) {
		t.Setenv(EnvModel, "from-env")
		t.Setenv(EnvAPIKey, "sk-env")
		cfg, err := DefaultPreferences().Snapshot("")
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if cfg.Model != "from-env" || cfg.APIKey != "sk-env" {
			t.Errorf("cfg = %+v", cfg)
		}
	})

	t.Run("validates", func(t *testing.T) {
		p := DefaultPreferences()
		p.Model.Temperature = 3
		if _, err := p.Snapshot(""); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("snapshot is independent of later edits", func(t *testing.T) {
		p := DefaultPreferences()
		cfg, _ := p.Snapshot("")
		p.Set("model.name", "changed")
		if cfg.Model != "llama3" {
			t.Errorf("snapshot changed to %q", cfg.Model)
		}
	})
}

func TestParseBoolish(t *testing.T) {
	for _, s := range []string{"true", "on", "yes", "1"} {
		if b, err := ParseBoolish(s); err != nil || !b {
			t.Errorf("ParseBoolish(%q) = %v, %v", s, b, err)
		}
	}
	for _, s := range []string{"false", "off", "no", "0"} {
		if b, err := ParseBoolish(s); err != nil || b {
			t.Errorf("ParseBoolish(%q) = %v, %v", s, b, err)
		}
	}
	if _, err := ParseBoolish("perhaps"); err == nil || !strings.Contains(err.Error(), "invalid boolean") {
		t.Errorf("expected invalid boolean error, got %v", err)
	}
}
