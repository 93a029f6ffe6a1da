package sandbox

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffContext is the number of unchanged lines shown around each change.
const diffContext = 3

// Unified renders the change from old to new as a unified diff with
// a/ and b/ headers. It returns "" when the contents are equal.
func Unified(path, old, new string) string {
	if old == new {
		return ""
	}

	dmp := diffmatchpatch.New()
	chars1, chars2, lineArray := dmp.DiffLinesToChars(old, new)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lineArray)

	lines := flattenDiffs(diffs)
	hunks := groupHunks(lines, diffContext)
	if len(hunks) == 0 {
		return ""
	}

	var b strings.Builder
	oldHeader := "a/" + path
	if old == "" {
		oldHeader = "/dev/null"
	}
	newHeader := "b/" + path
	if new == "" {
		newHeader = "/dev/null"
	}
	fmt.Fprintf(&b, "--- %s\n", oldHeader)
	fmt.Fprintf(&b, "+++ %s\n", newHeader)

	for _, h := range hunks {
		oldStart, oldCount := lineSpan(lines[:h[0]], lines[h[0]:h[1]], '-')
		newStart, newCount := lineSpan(lines[:h[0]], lines[h[0]:h[1]], '+')
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
		for _, dl := range lines[h[0]:h[1]] {
			b.WriteByte(dl.op)
			b.WriteString(dl.text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

type unifiedLine struct {
	op   byte // ' ', '-', '+'
	text string
}

// flattenDiffs turns line-granular diffs into one tagged line per row.
func flattenDiffs(diffs []diffmatchpatch.Diff) []unifiedLine {
	var out []unifiedLine
	for _, d := range diffs {
		var op byte
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			op = '-'
		case diffmatchpatch.DiffInsert:
			op = '+'
		default:
			op = ' '
		}
		text := d.Text
		if text == "" {
			continue
		}
		trailing := strings.HasSuffix(text, "\n")
		if trailing {
			text = text[:len(text)-1]
		}
		for _, line := range strings.Split(text, "\n") {
			out = append(out, unifiedLine{op: op, text: line})
		}
	}
	return out
}

// groupHunks returns [start,end) ranges over lines, each covering a run of
// changes plus its context. Equal runs longer than twice the context split
// ranges apart.
func groupHunks(lines []unifiedLine, context int) [][2]int {
	var ranges [][2]int
	i := 0
	for i < len(lines) {
		if lines[i].op == ' ' {
			i++
			continue
		}
		start := i - context
		if start < 0 {
			start = 0
		}
		end := i
		j := i
		for j < len(lines) {
			if lines[j].op != ' ' {
				end = j
				j++
				continue
			}
			k := j
			for k < len(lines) && lines[k].op == ' ' {
				k++
			}
			if k < len(lines) && k-j <= 2*context {
				j = k
				continue
			}
			break
		}
		stop := end + context + 1
		if stop > len(lines) {
			stop = len(lines)
		}
		ranges = append(ranges, [2]int{start, stop})
		i = stop
	}
	return ranges
}

// lineSpan computes the 1-based start line and line count for one side of a
// hunk. side '-' counts the old file (context + deletions), '+' the new
// (context + insertions). A zero count reports the preceding line number,
// matching unified diff convention.
func lineSpan(before, in []unifiedLine, side byte) (int, int) {
	preceding := 0
	for _, dl := range before {
		if dl.op == ' ' || dl.op == side {
			preceding++
		}
	}
	count := 0
	for _, dl := range in {
		if dl.op == ' ' || dl.op == side {
			count++
		}
	}
	start := preceding + 1
	if count == 0 {
		start = preceding
	}
	return start, count
}
