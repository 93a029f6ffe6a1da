package sandbox

import (
	"strings"
	"testing"
)

func hunkHeaders(diff string) []string {
	var headers []string
	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "@@ -") {
			headers = append(headers, line)
		}
	}
	return headers
}

func TestUnified_NoChange(t *testing.T) {
	if d := Unified("a.txt", "same\n", "same\n"); d != "" {
		t.Fatalf("diff of equal content = %q, want empty", d)
	}
}

func TestUnified_SingleLineChange(t *testing.T) {
	old := "a\nb\nc\nd\ne\nf\ng\n"
	new := "a\nb\nc\nD\ne\nf\ng\n"

	got := Unified("notes.txt", old, new)
	want := "--- a/notes.txt\n" +
		"+++ b/notes.txt\n" +
		"@@ -1,7 +1,7 @@\n" +
		" a\n" +
		" b\n" +
		" c\n" +
		"-d\n" +
		"+D\n" +
		" e\n" +
		" f\n" +
		" g\n"
	if got != want {
		t.Fatalf("diff mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestUnified_Creation(t *testing.T) {
	got := Unified("notes.txt", "", "a\nb\n")
	want := "--- /dev/null\n" +
		"+++ b/notes.txt\n" +
		"@@ -0,0 +1,2 @@\n" +
		"+a\n" +
		"+b\n"
	if got != want {
		t.Fatalf("diff mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestUnified_Deletion(t *testing.T) {
	got := Unified("notes.txt", "a\n", "")
	want := "--- a/notes.txt\n" +
		"+++ /dev/null\n" +
		"@@ -1,1 +0,0 @@\n" +
		"-a\n"
	if got != want {
		t.Fatalf("diff mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestUnified_NoTrailingNewline(t *testing.T) {
	got := Unified("x.txt", "a", "b")
	if !strings.Contains(got, "-a\n") || !strings.Contains(got, "+b\n") {
		t.Fatalf("diff missing change lines:\n%s", got)
	}
	headers := hunkHeaders(got)
	if len(headers) != 1 || headers[0] != "@@ -1,1 +1,1 @@" {
		t.Fatalf("headers = %v", headers)
	}
}

func TestUnified_DistantChangesSplitHunks(t *testing.T) {
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = "line " + string(rune('a'+i))
	}
	old := strings.Join(lines, "\n") + "\n"

	changed := make([]string, 20)
	copy(changed, lines)
	changed[1] = "changed near the top"
	changed[17] = "changed near the bottom"
	new := strings.Join(changed, "\n") + "\n"

	got := Unified("big.txt", old, new)
	if n := len(hunkHeaders(got)); n != 2 {
		t.Fatalf("hunk count = %d, want 2:\n%s", n, got)
	}
}

func TestUnified_NearbyChangesShareHunk(t *testing.T) {
	old := "a\nb\nc\nd\ne\nf\ng\nh\n"
	new := "a\nB\nc\nd\nE\nf\ng\nh\n"

	got := Unified("small.txt", old, new)
	if n := len(hunkHeaders(got)); n != 1 {
		t.Fatalf("hunk count = %d, want 1:\n%s", n, got)
	}
	if !strings.Contains(got, "-b\n+B\n") || !strings.Contains(got, "-e\n+E\n") {
		t.Fatalf("diff missing change pairs:\n%s", got)
	}
}

func TestUnified_RoundTripsThroughApplier(t *testing.T) {
	// the generated format must keep the shape the patch parser accepts:
	// a/ b/ prefixes and explicit counts in hunk ranges
	got := Unified("pkg/main.go", "x := 1\ny := 2\n", "x := 1\ny := 3\n")
	if !strings.HasPrefix(got, "--- a/pkg/main.go\n+++ b/pkg/main.go\n") {
		t.Fatalf("unexpected header:\n%s", got)
	}
	for _, h := range hunkHeaders(got) {
		if !strings.Contains(h, ",") {
			t.Fatalf("hunk header %q missing explicit counts", h)
		}
	}
}
