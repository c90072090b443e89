package router

import (
	"sort"
	"strings"
)

// helpText lists visible commands, one per line, sorted by name.
func (m *CommandManager) helpText() string {
	m.mu.RLock()
	cmds := make([]*Command, 0, len(m.cmds))
	for _, c := range m.cmds {
		if !c.Hidden {
			cmds = append(cmds, c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	lines := []string{"Available commands:", ""}
	for _, c := range cmds {
		usage := strings.TrimSpace(c.Usage)
		if usage == "" {
			usage = "/" + c.Name
		}
		line := usage
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + d
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
