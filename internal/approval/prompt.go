package approval

import (
	"regexp"
	"strings"
)

// UIKind classifies the approval UI the assistant is showing.
type UIKind string

const (
	// UIMenu is a numbered option list with an arrow marker on the selected
	// row. Approve with a bare newline, deny with the option digit.
	UIMenu UIKind = "menu"

	// UIYesNo is a bracketed [y/n] or [yes/no] question.
	UIYesNo UIKind = "yn"

	// UIUnknown is anything that still looks like an approval pause but
	// matches neither shape. Handled conservatively: responses are a bare
	// newline.
	UIUnknown UIKind = "unknown"
)

// Prompt is a detected approval pause in the terminal stream.
type Prompt struct {
	UIKind  UIKind
	Command string // Proposed shell command, best-effort extraction
}

var (
	// Lines that mean the assistant is waiting on a human.
	promptMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?i)do you want to (proceed|allow|run|make this edit|create)`),
		regexp.MustCompile(`(?i)allow (bash|command|this command)`),
		regexp.MustCompile(`(?i)waiting for (your )?approval`),
		regexp.MustCompile(`(?i)\[y/n\]|\[yes/no\]`),
		regexp.MustCompile(`(?i)permission (required|needed) to`),
	}

	menuOption  = regexp.MustCompile(`^\s*(?:[❯>]\s*)?\d+[.)]\s+\S`)
	menuArrow   = regexp.MustCompile(`^\s*[❯>]\s*\d*`)
	ynPattern   = regexp.MustCompile(`(?i)\[(y/n|yes/no)\]`)
	commandLine = regexp.MustCompile(`(?i)^\s*(?:allow (?:bash|command):|\$)\s*(.+?)\s*$`)
	ansiEscape  = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)
)

// Detect inspects a window of raw terminal output (callers pass at most the
// 16 KiB ring-buffer tail) and reports whether the assistant is currently
// awaiting an approval. When it is, the UI kind and the proposed command are
// extracted best-effort.
func Detect(window string) (*Prompt, bool) {
	plain := ansiEscape.ReplaceAllString(window, "")
	lines := strings.Split(plain, "\n")

	markerIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		for _, marker := range promptMarkers {
			if marker.MatchString(lines[i]) {
				markerIdx = i
				break
			}
		}
		if markerIdx >= 0 {
			break
		}
	}
	if markerIdx < 0 {
		return nil, false
	}

	return &Prompt{
		UIKind:  detectUIKind(lines, markerIdx),
		Command: extractCommand(lines, markerIdx),
	}, true
}

// detectUIKind looks below the marker for a numbered menu with an arrow
// marker, then for a [y/n] form near the marker. Anything else is unknown.
func detectUIKind(lines []string, markerIdx int) UIKind {
	sawOption := false
	sawArrow := false
	for i := markerIdx; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if menuOption.MatchString(line) {
			sawOption = true
		}
		if menuArrow.MatchString(line) {
			sawArrow = true
		}
	}
	if sawOption && sawArrow {
		return UIMenu
	}

	for i := markerIdx; i < len(lines); i++ {
		if ynPattern.MatchString(lines[i]) {
			return UIYesNo
		}
	}
	return UIUnknown
}

// extractCommand looks for an `Allow Bash:` / `Allow command:` / `$ ...`
// marker near the prompt, preferring the closest line above it, and falls
// back to the smallest enclosing non-empty line.
func extractCommand(lines []string, markerIdx int) string {
	// Search the marker line and a window around it, nearest first.
	for offset := 0; offset <= markerIdx+8; offset++ {
		for _, idx := range []int{markerIdx - offset, markerIdx + offset} {
			if idx < 0 || idx >= len(lines) {
				continue
			}
			line := strings.TrimRight(lines[idx], "\r")
			if m := commandLine.FindStringSubmatch(line); m != nil {
				return strings.TrimSpace(m[1])
			}
		}
	}

	// Fallback: the marker line itself, trimmed of decoration.
	fallback := strings.TrimSpace(strings.Trim(lines[markerIdx], " \r│┃|"))
	return fallback
}

// ApproveResponse returns the bytes that accept a prompt of the given UI kind.
// Menu UIs default to the highlighted option, so a bare newline accepts;
// unknown UIs get the conservative bare newline too.
func ApproveResponse(kind UIKind) string {
	switch kind {
	case UIYesNo:
		return "y\n"
	default:
		return "\n"
	}
}

// DenyResponse returns the bytes that reject a prompt of the given UI kind.
// Menus carry the deny option at position 3; yn prompts take a plain n.
func DenyResponse(kind UIKind) string {
	switch kind {
	case UIMenu:
		return "3\n"
	case UIYesNo:
		return "n\n"
	default:
		return "\n"
	}
}
