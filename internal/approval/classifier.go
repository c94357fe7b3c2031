// Package approval classifies shell commands proposed by AI-assistant agents
// and recognizes approval-prompt UI in raw terminal output. The regexes live
// here and nowhere else: terminal-stream matching is approximate and the
// patterns need a single place to evolve.
package approval

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Decision is the classification of a proposed shell command.
type Decision string

const (
	// DecisionBlocklist marks commands that are never run, regardless of any
	// human answer. The supervisor denies them automatically.
	DecisionBlocklist Decision = "blocklist"

	// DecisionApprovalRequired marks commands that pause the agent until a
	// human (or batch) decision arrives.
	DecisionApprovalRequired Decision = "approval_required"

	// DecisionAutoApprove marks commands the supervisor answers itself.
	DecisionAutoApprove Decision = "auto_approve"
)

// Destructive-root patterns. Any match is a blocklist hit, checked before all
// other patterns.
var blocklistPatterns = []*regexp.Regexp{
	// Writes to the password or shadow database.
	regexp.MustCompile(`(?i)(>>?|\btee\b)\s*/etc/(passwd|shadow)\b`),
	// dd writing to a raw block device.
	regexp.MustCompile(`(?i)\bdd\b[^|;&]*\bof=/dev/(sd[a-z]|hd[a-z]|nvme\d|disk\d|mmcblk\d)`),
	// The classic fork bomb literal.
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`),
	// World-writable root.
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*777\s+/(\s|$)`),
	// Cryptominer signatures.
	regexp.MustCompile(`(?i)\b(xmrig|minerd|cpuminer|cgminer|nicehash)\b|stratum\+tcp://`),
}

// recursiveRM matches rm invocations carrying a recursive flag and captures
// the target arguments for path inspection.
var recursiveRM = regexp.MustCompile(`(?i)\brm\s+((?:-[a-z-]+\s+)*)(.*)$`)

// Patterns that require a human decision. Grouped by concern; first match wins.
var approvalPatterns = []*regexp.Regexp{
	// Deletion.
	regexp.MustCompile(`(?i)\b(rm|rmdir|shred|unlink)\b`),
	// Remote git and history rewrites.
	regexp.MustCompile(`(?i)\bgit\s+push\b`),
	regexp.MustCompile(`(?i)\bgit\s+reset\s+--hard\b`),
	regexp.MustCompile(`(?i)\bgit\s+clean\s+-[a-z]*f`),
	// Container lifecycle.
	regexp.MustCompile(`(?i)\b(docker|podman|nerdctl)\s+(run|rm|rmi|kill|stop|restart|build|push|pull)\b`),
	regexp.MustCompile(`(?i)\bdocker[- ]compose\s+(up|down|rm)\b`),
	// Network fetchers and remote shells.
	regexp.MustCompile(`(?i)\b(curl|wget|ssh|scp|sftp|rsync|nc|ncat|netcat|telnet)\b`),
	// Package installers.
	regexp.MustCompile(`(?i)\b(apt|apt-get|yum|dnf|apk|pacman|brew)\s+(install|remove|purge|upgrade|update)\b`),
	regexp.MustCompile(`(?i)\b(pip3?|npm|pnpm|yarn|gem|cargo|go)\s+(install|add|uninstall|remove)\b`),
	// Process signals.
	regexp.MustCompile(`(?i)\b(kill|pkill|killall)\b`),
	// Privilege elevation.
	regexp.MustCompile(`(?i)\b(sudo|doas)\b|(^|[;&|]\s*)su\b`),
	// Permission and ownership changes.
	regexp.MustCompile(`(?i)\b(chmod|chown|chgrp)\b`),
	// Destructive SQL.
	regexp.MustCompile(`(?i)\b(drop|truncate)\s+(table|database|schema|index)\b`),
	regexp.MustCompile(`(?i)\bdelete\s+from\b`),
	// Environment mutation and dynamic execution.
	regexp.MustCompile(`(?i)(^|[;&|]\s*)export\s+\w+=`),
	regexp.MustCompile(`(?i)\b(eval|exec)\b`),
}

var networkPattern = regexp.MustCompile(`(?i)\b(curl|wget|ssh|scp|sftp|rsync|nc|ncat|netcat|telnet|ftp|http://|https://)`)

var secretsPattern = regexp.MustCompile(`(?i)(\.env\b|\.pem\b|\.key\b|id_rsa|id_ed25519|\.aws/credentials|\.ssh/|\.netrc|secrets?\.(ya?ml|json)|credentials?\.(ya?ml|json)|\.npmrc|\.pypirc|token)`)

var systemDirPattern = regexp.MustCompile(`(^|\s)(/etc|/usr|/bin|/sbin|/boot|/var|/root|/sys|/proc)(/|\s|$)`)

// Classify returns exactly one decision for a proposed shell command.
// The blocklist is checked first; an empty command auto-approves (there is
// nothing to run).
func Classify(command string) Decision {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return DecisionAutoApprove
	}

	if isBlocklisted(trimmed) {
		return DecisionBlocklist
	}

	for _, pattern := range approvalPatterns {
		if pattern.MatchString(trimmed) {
			return DecisionApprovalRequired
		}
	}
	return DecisionAutoApprove
}

// isBlocklisted checks the destructive-root patterns plus recursive deletion
// whose target normalizes to the filesystem root.
func isBlocklisted(command string) bool {
	for _, pattern := range blocklistPatterns {
		if pattern.MatchString(command) {
			return true
		}
	}
	return reachesRootRM(command)
}

// reachesRootRM reports whether the command is a recursive rm whose cleaned
// target is "/". Catches both the literal `rm -rf /` and traversal forms like
// `rm -rf /tmp/../`.
func reachesRootRM(command string) bool {
	m := recursiveRM.FindStringSubmatch(command)
	if m == nil {
		return false
	}
	flags := m[1]
	if !strings.Contains(strings.ToLower(flags), "r") && !strings.Contains(command, "--recursive") {
		return false
	}
	if strings.Contains(command, "--no-preserve-root") {
		return true
	}
	for _, arg := range strings.Fields(m[2]) {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if filepath.Clean(arg) == "/" {
			return true
		}
	}
	return false
}

// Flags annotates an approval request with risk signals for the UI. They are
// advisory only; the decision itself comes from Classify.
type Flags struct {
	IsOutsideWorkspace bool `json:"isOutsideWorkspace"`
	IsDestructive      bool `json:"isDestructive"`
	InvolvesSecrets    bool `json:"involvesSecrets"`
	InvolvesNetwork    bool `json:"involvesNetwork"`
}

var destructivePattern = regexp.MustCompile(`(?i)\b(rm|rmdir|shred|unlink|mkfs|dd)\b|\bgit\s+reset\s+--hard\b|\b(drop|truncate)\s+(table|database|schema)\b`)

// Annotate computes the advisory flags for a command proposed by an agent
// whose workspace root is workspaceDir.
func Annotate(command, workspaceDir string) Flags {
	return Flags{
		IsOutsideWorkspace: touchesOutsideWorkspace(command, workspaceDir),
		IsDestructive:      destructivePattern.MatchString(command),
		InvolvesSecrets:    secretsPattern.MatchString(command),
		InvolvesNetwork:    networkPattern.MatchString(command),
	}
}

// touchesOutsideWorkspace reports whether any absolute path argument escapes
// the workspace, or the command references a system directory.
func touchesOutsideWorkspace(command, workspaceDir string) bool {
	if systemDirPattern.MatchString(command) {
		return true
	}
	if workspaceDir == "" {
		return false
	}
	for _, arg := range strings.Fields(command) {
		if !strings.HasPrefix(arg, "/") {
			continue
		}
		cleaned := filepath.Clean(arg)
		if cleaned != workspaceDir && !strings.HasPrefix(cleaned, workspaceDir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
