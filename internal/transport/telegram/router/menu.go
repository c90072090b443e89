package router

import (
	"sort"
	"strings"
	"unicode"

	kit "greetbot/internal/transport"
)

// sanitizeTelegramCommand converts an arbitrary name into a Telegram-safe bot command name.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out == "" {
		return ""
	}
	// Telegram clients expect commands to start with a letter.
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
		if len(out) > 32 {
			out = strings.TrimRight(out[:32], "_")
		}
	}
	return out
}

func buildTelegramMenuCommands(cmds map[string]*Command) []kit.BotCommand {
	names := make([]string, 0, len(cmds))
	for name, c := range cmds {
		if !c.Hidden {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]kit.BotCommand, 0, len(names))
	seen := map[string]bool{}
	for _, name := range names {
		cmd := sanitizeTelegramCommand(name)
		if cmd == "" || seen[cmd] {
			continue
		}
		seen[cmd] = true
		desc := strings.ReplaceAll(strings.TrimSpace(cmds[name].Description), "\n", " ")
		if desc == "" {
			desc = cmd
		}
		out = append(out, kit.BotCommand{Command: cmd, Description: desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
