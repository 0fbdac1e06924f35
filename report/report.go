// Package report renders coverage results: the per-file executable lines
// reported by instrumentation against the covered lines recorded by the
// collector.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/deepnoodle-ai/linecov/coverage"
)

// Text writes a per-file table: path, executable line count, missed count,
// covered percentage and the collapsed ranges of missed lines. Files with no
// covered lines are counted in the totals but omitted from the table, and
// paths are shown relative to workspace when possible.
func Text(w io.Writer, executable, covered map[string]*coverage.Lines, workspace string) {
	paths := sortedPaths(executable)
	if len(paths) == 0 {
		fmt.Fprintln(w, "No line coverage recorded.")
		return
	}

	totalLines := 0
	totalMissed := 0

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Path", "Lines", "Missed", "Covered", "Missed Lines"})
	table.SetBorder(false)
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT,
	})

	for _, path := range paths {
		lines := executable[path]
		coveredLines := covered[path]
		nLines := lines.Count()
		nCovered := coveredCount(lines, coveredLines)
		nMissed := nLines - nCovered
		totalLines += nLines
		totalMissed += nMissed
		if nCovered == 0 {
			continue
		}
		table.Append([]string{
			relPath(path, workspace),
			strconv.Itoa(nLines),
			strconv.Itoa(nMissed),
			percent(nCovered, nLines),
			formatRanges(missedLines(lines, coveredLines)),
		})
	}

	table.SetFooter([]string{
		"TOTAL",
		strconv.Itoa(totalLines),
		strconv.Itoa(totalMissed),
		percent(totalLines-totalMissed, totalLines),
		"",
	})
	table.Render()
}

// Document is the structured report shape.
type Document struct {
	Files map[string]FileCoverage `json:"files"`
}

// FileCoverage lists one file's executed and missing lines.
type FileCoverage struct {
	ExecutedLines []int `json:"executed_lines"`
	MissingLines  []int `json:"missing_lines"`
}

// JSON renders the structured report. Paths are relative to workspace when
// possible, absolute otherwise.
func JSON(executable, covered map[string]*coverage.Lines, workspace string) ([]byte, error) {
	doc := Document{Files: map[string]FileCoverage{}}
	for path, lines := range executable {
		coveredLines := covered[path]
		executed := []int{}
		if coveredLines != nil {
			executed = intersection(lines, coveredLines)
		}
		missing := missedLines(lines, coveredLines)
		doc.Files[relPath(path, workspace)] = FileCoverage{
			ExecutedLines: executed,
			MissingLines:  missing,
		}
	}
	return json.Marshal(doc)
}

// collapseRanges folds a sorted line list into inclusive (start, end) pairs.
func collapseRanges(lines []int) [][2]int {
	var ranges [][2]int
	for _, line := range lines {
		if n := len(ranges); n > 0 && ranges[n-1][1] == line-1 {
			ranges[n-1][1] = line
			continue
		}
		ranges = append(ranges, [2]int{line, line})
	}
	return ranges
}

func formatRanges(lines []int) string {
	var parts []string
	for _, r := range collapseRanges(lines) {
		if r[0] == r[1] {
			parts = append(parts, strconv.Itoa(r[0]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r[0], r[1]))
		}
	}
	return strings.Join(parts, ",")
}

func missedLines(executable, covered *coverage.Lines) []int {
	missed := []int{}
	for _, line := range executable.Sorted() {
		if covered == nil || !covered.Contains(line) {
			missed = append(missed, line)
		}
	}
	return missed
}

func intersection(executable, covered *coverage.Lines) []int {
	lines := []int{}
	for _, line := range executable.Sorted() {
		if covered.Contains(line) {
			lines = append(lines, line)
		}
	}
	return lines
}

func coveredCount(executable, covered *coverage.Lines) int {
	if covered == nil {
		return 0
	}
	return len(intersection(executable, covered))
}

func percent(covered, total int) string {
	if total == 0 {
		return "100%"
	}
	p := covered * 100 / total
	s := strconv.Itoa(p) + "%"
	switch {
	case p >= 80:
		return color.GreenString(s)
	case p >= 50:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func relPath(path, workspace string) string {
	if workspace == "" {
		return path
	}
	rel, err := filepath.Rel(workspace, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func sortedPaths(m map[string]*coverage.Lines) []string {
	paths := make([]string, 0, len(m))
	for path := range m {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
