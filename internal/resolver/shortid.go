// Package resolver maps abbreviated item identifiers typed on the command
// line to full item ids. Item ids are ITEM-XXXXXXXX; users may drop the
// prefix and type any unambiguous leading part of the hex portion.
package resolver

import (
	"fmt"
	"strings"

	"github.com/droverhq/drover/pkg/model"
)

// MinPrefixLength is the shortest accepted abbreviation, balancing typing
// effort against collisions.
const MinPrefixLength = 2

// ResolveItemID resolves input against the known items. A full id is
// returned as-is after an existence check; anything else is treated as a
// case-insensitive prefix of the id's hex portion (with or without the
// "ITEM-" prefix).
func ResolveItemID(items []*model.Item, input string) (string, error) {
	if input == "" {
		return "", model.NewValidationError("item id is required")
	}

	normalized := strings.ToUpper(input)
	if !strings.HasPrefix(normalized, "ITEM-") {
		normalized = "ITEM-" + normalized
	}

	for _, it := range items {
		if it.ID == normalized {
			return it.ID, nil
		}
	}

	if len(strings.TrimPrefix(normalized, "ITEM-")) < MinPrefixLength {
		return "", model.NewValidationError(fmt.Sprintf("item id prefix %q is too short (need at least %d characters)", input, MinPrefixLength))
	}

	var matches []string
	for _, it := range items {
		if strings.HasPrefix(it.ID, normalized) {
			matches = append(matches, it.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{Input: input}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{Input: input, Matches: matches}
	}
}

// NotFoundError indicates no item matched the input.
type NotFoundError struct {
	Input string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no item matches %q", e.Input)
}

// AmbiguousError indicates more than one item matched the input.
type AmbiguousError struct {
	Input   string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("item id %q is ambiguous (%d matches)", e.Input, len(e.Matches))
}

// FormatAmbiguous renders an ambiguous match as a help message listing the
// candidates, capped at ten.
func FormatAmbiguous(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "item id %q matches %d items:\n", err.Input, len(err.Matches))

	shown := len(err.Matches)
	if shown > 10 {
		shown = 10
	}
	for i := 0; i < shown; i++ {
		fmt.Fprintf(&b, "  %s\n", err.Matches[i])
	}
	if len(err.Matches) > shown {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-shown)
	}
	b.WriteString("Use a longer prefix.")
	return b.String()
}
