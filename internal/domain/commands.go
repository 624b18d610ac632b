package domain

import "strings"

// CommandDef describes a slash command available in the interactive chat.
type CommandDef struct {
	Name        string
	Args        string
	Description string
	Group       string // display group for /help
}

// CommandDefs is the single source of truth for all slash commands.
var CommandDefs = []CommandDef{
	// Threads
	{Name: "/new", Args: "[character]", Description: "start a new thread", Group: "thread"},
	{Name: "/threads", Description: "list recent threads", Group: "thread"},
	{Name: "/switch", Args: "<id-prefix>", Description: "continue another thread", Group: "thread"},
	{Name: "/branch", Description: "fork the thread at the current point", Group: "thread"},
	{Name: "/rename", Args: "<title>", Description: "rename the current thread", Group: "thread"},
	{Name: "/history", Description: "print the current transcript", Group: "thread"},
	// Config
	{Name: "/config", Args: "[key] [value]", Description: "show or set preferences", Group: "config"},
	{Name: "/reasoning", Description: "toggle the reasoning channel", Group: "config"},
	{Name: "/probe", Description: "test the endpoint connection", Group: "config"},
	// General
	{Name: "/help", Description: "show this help", Group: "general"},
	{Name: "/exit", Description: "quit minechat", Group: "general"},
}

// CommandGroups defines the display order and labels for help groups.
var CommandGroups = []struct {
	Key   string
	Label string
}{
	{"thread", "Threads"},
	{"config", "Config"},
	{"general", "General"},
}

// ParseCommand splits a slash command line into its definition and
// arguments. ok is false for plain chat input and unknown commands.
func ParseCommand(line string) (def CommandDef, args []string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return CommandDef{}, nil, false
	}
	fields := strings.Fields(line)
	name := strings.ToLower(fields[0])
	for _, c := range CommandDefs {
		if c.Name == name {
			return c, fields[1:], true
		}
	}
	return CommandDef{Name: name}, fields[1:], false
}
