package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFindings_Missing(t *testing.T) {
	f, err := readFindings(filepath.Join(t.TempDir(), "review_findings.json"))
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestReadFindings_Parses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review_findings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"findings": [
			{"severity": "critical", "file": "auth.go", "line": 42, "description": "token never expires"},
			{"severity": "minor", "file": "main.go", "description": "unused import"}
		],
		"overallAssessment": "needs_fixes",
		"summary": "token lifecycle problems"
	}`), 0o644))

	f, err := readFindings(path)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.False(t, f.Pass())
	require.Len(t, f.Findings, 2)
	require.NotNil(t, f.Findings[0].Line)
	assert.Equal(t, 42, *f.Findings[0].Line)

	critical, major, minor := f.SeverityCounts()
	assert.Equal(t, 1, critical)
	assert.Equal(t, 0, major)
	assert.Equal(t, 1, minor)
}

func TestReadFindings_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review_findings.json")
	require.NoError(t, os.WriteFile(path, []byte("not json at all"), 0o644))
	_, err := readFindings(path)
	assert.Error(t, err)
}

func TestFindings_Pass(t *testing.T) {
	assert.True(t, (&Findings{OverallAssessment: "pass"}).Pass())
	assert.False(t, (&Findings{OverallAssessment: "needs_fixes"}).Pass())
	assert.False(t, (&Findings{}).Pass())
}

func TestTextualize(t *testing.T) {
	line := 10
	f := &Findings{
		Summary: "two problems found",
		Findings: []Finding{
			{Severity: "minor", File: "util.go", Description: "typo in comment"},
			{Severity: "critical", File: "db.go", Line: &line, Description: "connection leak", SuggestedFix: "close rows in defer"},
		},
	}

	text := f.textualize()

	assert.Contains(t, text, "two problems found")
	assert.Contains(t, text, "db.go:10: connection leak (suggested fix: close rows in defer)")
	assert.Contains(t, text, "util.go: typo in comment")
	assert.Contains(t, text, "TASKS_COMPLETED")

	// Severe findings come first regardless of input order.
	assert.Less(t, strings.Index(text, "CRITICAL:"), strings.Index(text, "MINOR:"))
}
