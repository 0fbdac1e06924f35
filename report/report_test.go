package report

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/linecov/coverage"
)

func TestCollapseRanges(t *testing.T) {
	tests := []struct {
		name  string
		lines []int
		want  [][2]int
	}{
		{"empty", nil, nil},
		{"single", []int{3}, [][2]int{{3, 3}}},
		{"run", []int{1, 2, 3}, [][2]int{{1, 3}}},
		{"gaps", []int{1, 2, 5, 7, 8, 9}, [][2]int{{1, 2}, {5, 5}, {7, 9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, collapseRanges(tt.lines))
		})
	}
}

func TestFormatRanges(t *testing.T) {
	require.Equal(t, "", formatRanges(nil))
	require.Equal(t, "4", formatRanges([]int{4}))
	require.Equal(t, "1-3,7,9-10", formatRanges([]int{1, 2, 3, 7, 9, 10}))
}

func TestMissedLines(t *testing.T) {
	executable := coverage.NewLines(1, 2, 3, 4)
	covered := coverage.NewLines(2, 4)
	require.Equal(t, []int{1, 3}, missedLines(executable, covered))
	require.Equal(t, []int{1, 2, 3, 4}, missedLines(executable, nil))
}

func TestJSONDocument(t *testing.T) {
	executable := map[string]*coverage.Lines{
		"/ws/a.x": coverage.NewLines(1, 2, 3),
		"/ws/b.x": coverage.NewLines(10, 11),
	}
	covered := map[string]*coverage.Lines{
		"/ws/a.x": coverage.NewLines(1, 3, 99), // 99 is not executable
	}

	data, err := JSON(executable, covered, "/ws")
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Files, 2)

	a := doc.Files["a.x"]
	require.Equal(t, []int{1, 3}, a.ExecutedLines)
	require.Equal(t, []int{2}, a.MissingLines)

	b := doc.Files["b.x"]
	require.Empty(t, b.ExecutedLines)
	require.Equal(t, []int{10, 11}, b.MissingLines)
}

func TestTextReport(t *testing.T) {
	color.NoColor = true

	executable := map[string]*coverage.Lines{
		"/ws/a.x": coverage.NewLines(1, 2, 3, 4),
		"/ws/b.x": coverage.NewLines(1, 2), // never covered
	}
	covered := map[string]*coverage.Lines{
		"/ws/a.x": coverage.NewLines(1, 2, 4),
	}

	var buf bytes.Buffer
	Text(&buf, executable, covered, "/ws")
	out := buf.String()

	// Covered file appears with its missed range
	require.Contains(t, out, "a.x")
	require.Contains(t, out, "75%")
	require.Contains(t, out, "3")

	// Uncovered file is dropped from the rows but counted in the total:
	// 6 lines, 3 missed
	require.NotContains(t, out, "b.x")
	require.Contains(t, out, "TOTAL")
	require.Contains(t, out, "50%")
}

func TestTextReportEmpty(t *testing.T) {
	var buf bytes.Buffer
	Text(&buf, nil, nil, "")
	require.Contains(t, buf.String(), "No line coverage recorded")
}

func TestRelPath(t *testing.T) {
	require.Equal(t, "a.x", relPath("/ws/a.x", "/ws"))
	require.Equal(t, "/elsewhere/a.x", relPath("/elsewhere/a.x", "/ws"))
	require.Equal(t, "/ws/a.x", relPath("/ws/a.x", ""))
}
