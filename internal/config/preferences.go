package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/batalabs/minechat/internal/domain"
)

// ConfigFileName is the preferences file inside ConfigDir.
const ConfigFileName = "config.toml"

// Preferences holds user-configurable endpoint, prompt and display settings.
// Persisted to ~/.config/minechat/config.toml.
type Preferences struct {
	Endpoint EndpointPrefs `toml:"endpoint"`
	Model    ModelPrefs    `toml:"model"`
	Prompt   PromptPrefs   `toml:"prompt"`
	Display  DisplayPrefs  `toml:"display"`
	Daemon   DaemonPrefs   `toml:"daemon"`

	Characters map[string]domain.Character `toml:"characters,omitempty"`
}

type EndpointPrefs struct {
	URL     string `toml:"url"`
	Dialect string `toml:"dialect"`
	APIKey  string `toml:"api_key,omitempty"`
}

type ModelPrefs struct {
	Name        string  `toml:"name"`
	Temperature float64 `toml:"temperature"`
}

type PromptPrefs struct {
	System  string `toml:"system,omitempty"`
	UserBio string `toml:"user_bio,omitempty"`
}

type DisplayPrefs struct {
	ShowReasoning bool `toml:"show_reasoning"`
	PreviewLength int  `toml:"preview_length"`
}

type DaemonPrefs struct {
	BindAddress string  `toml:"bind_address,omitempty"`
	RateLimit   float64 `toml:"rate_limit"`
	RateBurst   int     `toml:"rate_burst"`
}

// PrefEntry holds a single key-value preference entry for display.
type PrefEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ConfigGroup holds a named group of preference entries for display.
type ConfigGroup struct {
	Name    string      `json:"name"`
	Entries []PrefEntry `json:"entries"`
}

// ConfigGroupDef defines a single group with a name and its keys.
type ConfigGroupDef struct {
	Name string
	Keys []string
}

// ConfigGroupDefs defines the preference key groupings and their display order.
var ConfigGroupDefs = []ConfigGroupDef{
	{Name: "endpoint", Keys: []string{"endpoint.url", "endpoint.dialect", "endpoint.api_key"}},
	{Name: "model", Keys: []string{"model.name", "model.temperature"}},
	{Name: "prompt", Keys: []string{"prompt.system", "prompt.user_bio"}},
	{Name: "display", Keys: []string{"display.show_reasoning", "display.preview_length"}},
	{Name: "daemon", Keys: []string{"daemon.bind_address", "daemon.rate_limit", "daemon.rate_burst"}},
}

// ConfigGroupNames returns the list of valid group names.
func ConfigGroupNames() []string {
	names := make([]string, len(ConfigGroupDefs))
	for i, g := range ConfigGroupDefs {
		names[i] = g.Name
	}
	return names
}

// ValidConfigKeys returns the fixed config keys accepted by Set(). Character
// keys (characters.<name>.system_prompt) are accepted in addition.
func ValidConfigKeys() []string {
	var keys []string
	for _, g := range ConfigGroupDefs {
		keys = append(keys, g.Keys...)
	}
	return keys
}

// DefaultPreferences returns the default set of preferences.
func DefaultPreferences() Preferences {
	return Preferences{
		Endpoint: EndpointPrefs{
			URL:     "http://localhost:11434/v1/chat/completions",
			Dialect: string(domain.DialectOpenAI),
		},
		Model: ModelPrefs{
			Name:        "llama3",
			Temperature: 0.7,
		},
		Display: DisplayPrefs{
			ShowReasoning: true,
			PreviewLength: domain.DefaultPreviewLength,
		},
		Daemon: DaemonPrefs{
			RateLimit: 5,
			RateBurst: 10,
		},
	}
}

// ConfigFilePath returns the absolute path to config.toml.
func ConfigFilePath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, ConfigFileName)
}

// LoadPreferences reads preferences from ~/.config/minechat/config.toml.
// A missing or unreadable file yields the defaults.
func LoadPreferences() Preferences {
	path := ConfigFilePath()
	if path == "" {
		return DefaultPreferences()
	}
	p, err := LoadPreferencesFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return DefaultPreferences()
	}
	return p
}

// LoadPreferencesFile decodes path on top of the defaults. A missing file is
// not an error.
func LoadPreferencesFile(path string) (Preferences, error) {
	p := DefaultPreferences()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return p, nil
	}
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return DefaultPreferences(), fmt.Errorf("parse %s: %w", path, err)
	}
	warnInsecurePermissions(path)
	sanitizePreferences(&p)
	for name, c := range p.Characters {
		c.Name = name
		p.Characters[name] = c
	}
	return p, nil
}

// SavePreferences writes preferences to ~/.config/minechat/config.toml.
func SavePreferences(p Preferences) error {
	dir := ConfigDir()
	if dir == "" {
		return fmt.Errorf("could not determine config directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	// Write to a temp file and rename so watchers never see a half-written file.
	path := filepath.Join(dir, ConfigFileName)
	tmp, err := os.CreateTemp(dir, ConfigFileName+".*")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := toml.NewEncoder(tmp).Encode(p); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// warnInsecurePermissions prints a warning to stderr if the config file is
// readable by group or others. On Windows, file permission bits don't map
// to ACLs, so the check is skipped.
func warnInsecurePermissions(path string) {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		fmt.Fprintf(os.Stderr, "WARNING: %s is readable by others (mode %o). Run: chmod 600 %s\n",
			path, info.Mode().Perm(), path)
	}
}

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

// Snapshot resolves the configuration a generation runs with. Environment
// overrides are applied, and the system context joins the global prompt,
// the character prompt and the user bio. An empty character means none.
func (p Preferences) Snapshot(character string) (domain.ModelConfig, error) {
	eff := p.envOverrides()

	dialect, err := domain.ParseDialect(eff.Endpoint.Dialect)
	if err != nil {
		return domain.ModelConfig{}, err
	}

	var parts []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	add(eff.Prompt.System)
	if character != "" {
		c, ok := eff.Characters[character]
		if !ok {
			return domain.ModelConfig{}, fmt.Errorf("unknown character %q", character)
		}
		add(c.SystemPrompt)
	}
	add(eff.Prompt.UserBio)

	cfg := domain.ModelConfig{
		EndpointURL:  eff.Endpoint.URL,
		Dialect:      dialect,
		APIKey:       eff.Endpoint.APIKey,
		Model:        eff.Model.Name,
		Temperature:  eff.Model.Temperature,
		SystemPrompt: strings.Join(parts, "\n\n"),
	}
	return cfg, cfg.Validate()
}

// CharacterNames returns the configured character names, sorted.
func (p Preferences) CharacterNames() []string {
	names := make([]string, 0, len(p.Characters))
	for name := range p.Characters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// Get / Set
// ---------------------------------------------------------------------------

// Grouped returns all preferences organized into named groups, followed by a
// "characters" group when any are configured. Secrets are masked.
func (p Preferences) Grouped() []ConfigGroup {
	all := p.entryMap()

	var groups []ConfigGroup
	for _, def := range ConfigGroupDefs {
		var entries []PrefEntry
		for _, key := range def.Keys {
			entries = append(entries, PrefEntry{Key: key, Value: AnnotateValue(all[key])})
		}
		groups = append(groups, ConfigGroup{Name: def.Name, Entries: entries})
	}
	if len(p.Characters) > 0 {
		var entries []PrefEntry
		for _, name := range p.CharacterNames() {
			key := characterKey(name)
			entries = append(entries, PrefEntry{Key: key, Value: AnnotateValue(all[key])})
		}
		groups = append(groups, ConfigGroup{Name: "characters", Entries: entries})
	}
	return groups
}

// GroupByName returns entries for a single config group, or nil if not found.
func (p Preferences) GroupByName(name string) *ConfigGroup {
	for _, g := range p.Grouped() {
		if g.Name == name {
			return &g
		}
	}
	return nil
}

func (p Preferences) entryMap() map[string]string {
	m := make(map[string]string)
	for _, e := range p.All() {
		m[e.Key] = e.Value
	}
	return m
}

// All returns all preference entries as a flat list.
func (p Preferences) All() []PrefEntry {
	var out []PrefEntry
	for _, key := range ValidConfigKeys() {
		out = append(out, PrefEntry{Key: key, Value: p.Get(key)})
	}
	for _, name := range p.CharacterNames() {
		key := characterKey(name)
		out = append(out, PrefEntry{Key: key, Value: p.Get(key)})
	}
	return out
}

// Get returns the display value for a single preference key.
func (p Preferences) Get(key string) string {
	switch key {
	case "endpoint.url":
		return p.Endpoint.URL
	case "endpoint.dialect":
		return p.Endpoint.Dialect
	case "endpoint.api_key":
		return resolveKeyDisplay(p.Endpoint.APIKey, EnvAPIKey)
	case "model.name":
		return p.Model.Name
	case "model.temperature":
		return strconv.FormatFloat(p.Model.Temperature, 'g', -1, 64)
	case "prompt.system":
		return p.Prompt.System
	case "prompt.user_bio":
		return p.Prompt.UserBio
	case "display.show_reasoning":
		return strconv.FormatBool(p.Display.ShowReasoning)
	case "display.preview_length":
		return strconv.Itoa(p.Display.PreviewLength)
	case "daemon.bind_address":
		return p.Daemon.BindAddress
	case "daemon.rate_limit":
		return strconv.FormatFloat(p.Daemon.RateLimit, 'g', -1, 64)
	case "daemon.rate_burst":
		return strconv.Itoa(p.Daemon.RateBurst)
	}
	if name, ok := parseCharacterKey(key); ok {
		return p.Characters[name].SystemPrompt
	}
	return ""
}

// Set updates a single preference key to the given value.
func (p *Preferences) Set(key, value string) error {
	if isSensitiveKey(key) {
		value = SanitizeValue(value)
	} else {
		value = strings.TrimSpace(value)
	}
	switch key {
	case "endpoint.url":
		if value == "" {
			return fmt.Errorf("endpoint.url cannot be empty")
		}
		p.Endpoint.URL = value
	case "endpoint.dialect":
		d, err := domain.ParseDialect(value)
		if err != nil {
			return err
		}
		p.Endpoint.Dialect = string(d)
	case "endpoint.api_key":
		p.Endpoint.APIKey = value
	case "model.name":
		if value == "" {
			return fmt.Errorf("model.name cannot be empty")
		}
		p.Model.Name = value
	case "model.temperature":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || f > 2 {
			return fmt.Errorf("invalid temperature %q (use a number between 0 and 2)", value)
		}
		p.Model.Temperature = f
	case "prompt.system":
		p.Prompt.System = value
	case "prompt.user_bio":
		p.Prompt.UserBio = value
	case "display.show_reasoning":
		b, err := ParseBoolish(value)
		if err != nil {
			return err
		}
		p.Display.ShowReasoning = b
	case "display.preview_length":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid preview length %q (use a positive integer)", value)
		}
		p.Display.PreviewLength = n
	case "daemon.bind_address":
		p.Daemon.BindAddress = value
	case "daemon.rate_limit":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("invalid rate limit %q (use requests per second > 0)", value)
		}
		p.Daemon.RateLimit = f
	case "daemon.rate_burst":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid rate burst %q (use a positive integer)", value)
		}
		p.Daemon.RateBurst = n
	default:
		name, ok := parseCharacterKey(key)
		if !ok {
			return fmt.Errorf("unknown key: %s", key)
		}
		p.setCharacter(name, value)
	}
	return nil
}

// setCharacter stores a character prompt. An empty prompt removes the
// character.
func (p *Preferences) setCharacter(name, prompt string) {
	if prompt == "" {
		delete(p.Characters, name)
		return
	}
	if p.Characters == nil {
		p.Characters = make(map[string]domain.Character)
	}
	p.Characters[name] = domain.Character{Name: name, SystemPrompt: prompt}
}

func characterKey(name string) string {
	return "characters." + name + ".system_prompt"
}

func parseCharacterKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "characters.")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, ".system_prompt")
	if !ok || name == "" || strings.ContainsAny(name, ". \t") {
		return "", false
	}
	return name, true
}

// SanitizeValue strips null bytes, ASCII control characters (< 32 except
// \n and \t), and DEL (0x7F) from a string value and trims surrounding
// whitespace. Pasted keys often carry these.
func SanitizeValue(s string) string {
	return strings.Map(func(r rune) rune {
		if (r < 32 && r != '\n' && r != '\t') || r == 0x7F {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

func isSensitiveKey(key string) bool {
	return strings.HasSuffix(key, ".api_key") || key == "endpoint.url"
}

// sanitizePreferences strips control characters from the fields that are
// usually pasted. Returns true if any field was modified.
func sanitizePreferences(p *Preferences) bool {
	changed := false
	sanitize := func(s *string) {
		cleaned := SanitizeValue(*s)
		if cleaned != *s {
			*s = cleaned
			changed = true
		}
	}
	sanitize(&p.Endpoint.URL)
	sanitize(&p.Endpoint.Dialect)
	sanitize(&p.Endpoint.APIKey)
	sanitize(&p.Model.Name)
	sanitize(&p.Daemon.BindAddress)
	return changed
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveKeyDisplay returns a masked key for display. If the preference is
// empty but the env var is set, shows the masked env value with "(from env)".
func resolveKeyDisplay(prefKey, envVar string) string {
	if envVal := strings.TrimSpace(os.Getenv(envVar)); envVal != "" {
		return MaskKey(envVal) + " (from env)"
	}
	return MaskKey(prefKey)
}

// MaskKey masks an API key for display, showing only the last 4 characters.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// ParseBoolish parses a boolean-like string value.
func ParseBoolish(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "on", "yes", "1":
		return true, nil
	case "false", "off", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s (use true/false, on/off, yes/no)", s)
	}
}

// AnnotateValue returns a display string for a config value.
func AnnotateValue(value string) string {
	if value == "" {
		return "(not set)"
	}
	return value
}
