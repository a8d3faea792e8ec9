package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrCommandBlocked is returned when a shell command trips the
// blocklist or falls outside the allowlist.
var ErrCommandBlocked = errors.New("command blocked by policy")

// ShellTool runs a command through the system shell. Blocklist entries
// match as substrings; a non-empty allowlist restricts the executable
// to the listed names.
type ShellTool struct {
	Blocklist []string
	Allowlist []string
}

func (s *ShellTool) Name() string { return "shell" }

func (s *ShellTool) Description() string {
	return "Run a shell command and return its combined output"
}

func (s *ShellTool) Schema() Schema {
	return Schema{
		Required: []string{"command"},
		Properties: map[string]Property{
			"command": {Type: "string", Description: "Command line to execute"},
		},
	}
}

func (s *ShellTool) RequiredPermission() Permission { return PermExecute }

func (s *ShellTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	command, _ := input["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", errors.New("command must not be empty")
	}

	for _, blocked := range s.Blocklist {
		if blocked != "" && strings.Contains(command, blocked) {
			return "", fmt.Errorf("%w: matches blocklist entry %q", ErrCommandBlocked, blocked)
		}
	}
	if len(s.Allowlist) > 0 {
		fields := strings.Fields(command)
		allowed := false
		for _, exe := range s.Allowlist {
			if len(fields) > 0 && fields[0] == exe {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("%w: executable not in allowlist", ErrCommandBlocked)
		}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("command failed: %w", err)
	}
	return string(out), nil
}
