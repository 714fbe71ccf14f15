package translator

import (
	"regexp"
	"strings"
)

// Tool-name mapping between the Anthropic-style downstream names and the
// command-agent provider's native tool set. Mapping is bidirectional and
// fixed; unknown tools cross the boundary as mcp__<name>.
var agentToolByName = map[string]string{
	"Bash":  "run_shell_command",
	"Read":  "read_files",
	"Write": "apply_file_diffs", // with new_files payload
	"Edit":  "apply_file_diffs", // with diffs payload
	"Grep":  "grep",
	"Glob":  "glob",
}

var nameByAgentTool = map[string]string{
	"run_shell_command": "Bash",
	"read_files":        "Read",
	"grep":              "Grep",
	"glob":              "Glob",
	// apply_file_diffs resolves to Write or Edit by payload, see
	// AgentDiffToolName.
}

const mcpPrefix = "mcp__"

// ToAgentToolName maps a downstream tool name to the agent provider's
// native name. Unknown names pass through under the mcp__ prefix.
func ToAgentToolName(name string) string {
	if mapped, ok := agentToolByName[name]; ok {
		return mapped
	}
	if strings.HasPrefix(name, mcpPrefix) {
		return name
	}
	return mcpPrefix + name
}

// FromAgentToolName maps a native agent tool name back to the downstream
// name. mcp__-prefixed names are returned unchanged so MCP tools survive
// the round trip.
func FromAgentToolName(name string) string {
	if mapped, ok := nameByAgentTool[name]; ok {
		return mapped
	}
	if strings.HasPrefix(name, mcpPrefix) {
		return name
	}
	return name
}

// AgentDiffToolName disambiguates apply_file_diffs: a payload carrying
// new_files is a Write, one carrying diffs is an Edit.
func AgentDiffToolName(hasNewFiles bool) string {
	if hasNewFiles {
		return "Write"
	}
	return "Edit"
}

// Read-only command allowlist for the shell tool's is_read_only flag.
var readOnlyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*ls(\s|$)`),
	regexp.MustCompile(`^\s*cat(\s|$)`),
	regexp.MustCompile(`^\s*head(\s|$)`),
	regexp.MustCompile(`^\s*tail(\s|$)`),
	regexp.MustCompile(`^\s*grep(\s|$)`),
	regexp.MustCompile(`^\s*find(\s|$)`),
	regexp.MustCompile(`^\s*pwd(\s|$)`),
	regexp.MustCompile(`^\s*echo(\s|$)`),
	regexp.MustCompile(`^\s*wc(\s|$)`),
	regexp.MustCompile(`^\s*which(\s|$)`),
	regexp.MustCompile(`^\s*git\s+(status|log|diff|show|branch|remote)(\s|$)`),
}

// Destructive-command denylist for the is_risky flag.
var riskyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+(-\w*\s+)*-\w*[rf]\w*\s+/`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`chmod\s+777`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`curl[^|]*\|\s*(ba)?sh`),
	regexp.MustCompile(`wget[^|]*\|\s*(ba)?sh`),
	regexp.MustCompile(`\beval\b`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
}

// ClassifyShellCommand computes the side-channel flags attached to shell
// tool inputs on the agent provider.
func ClassifyShellCommand(command string) (isReadOnly, isRisky bool) {
	for _, p := range riskyPatterns {
		if p.MatchString(command) {
			return false, true
		}
	}
	for _, p := range readOnlyPatterns {
		if p.MatchString(command) {
			return true, false
		}
	}
	return false, false
}
