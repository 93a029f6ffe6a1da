package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/batalabs/agentd/internal/domain"
	"github.com/batalabs/agentd/internal/sandbox"
)

// ---------------------------------------------------------------------------
// read_file
// ---------------------------------------------------------------------------

func TestReadFileTool(t *testing.T) {
	tool := readFileTool()

	t.Run("reads workspace file", func(t *testing.T) {
		tc := testToolContext(t)
		os.WriteFile(filepath.Join(tc.FS.Root(), "notes.txt"), []byte("remember the milk\n"), 0o644)

		result, err := tool.Execute(context.Background(), map[string]any{"path": "notes.txt"}, tc)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != "remember the milk\n" {
			t.Errorf("content = %q", result)
		}
	})

	t.Run("records a context item", func(t *testing.T) {
		tc := testToolContext(t)
		os.WriteFile(filepath.Join(tc.FS.Root(), "notes.txt"), []byte("x\n"), 0o644)

		if _, err := tool.Execute(context.Background(), map[string]any{"path": "notes.txt"}, tc); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		items, err := tc.Store.ListContextItems(tc.SessionID)
		if err != nil {
			t.Fatalf("list context items: %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("expected 1 context item, got %d", len(items))
		}
		if items[0].Kind != domain.ContextFile || items[0].ContentRef != "notes.txt" || items[0].Pinned {
			t.Errorf("unexpected item: %+v", items[0])
		}
	})

	t.Run("missing file returns error", func(t *testing.T) {
		tc := testToolContext(t)
		if _, err := tool.Execute(context.Background(), map[string]any{"path": "gone.txt"}, tc); err == nil {
			t.Fatal("expected error for missing file")
		}
	})

	t.Run("escape rejected", func(t *testing.T) {
		tc := testToolContext(t)
		_, err := tool.Execute(context.Background(), map[string]any{"path": "../secrets.txt"}, tc)
		if !errors.Is(err, sandbox.ErrOutsideRoot) {
			t.Fatalf("err = %v, want ErrOutsideRoot", err)
		}
	})

	t.Run("binary file refused", func(t *testing.T) {
		tc := testToolContext(t)
		os.WriteFile(filepath.Join(tc.FS.Root(), "blob.bin"), []byte{0x7f, 0x00, 0x01, 0x02}, 0o644)

		_, err := tool.Execute(context.Background(), map[string]any{"path": "blob.bin"}, tc)
		if err == nil || !strings.Contains(err.Error(), "binary") {
			t.Fatalf("err = %v, want binary refusal", err)
		}
	})

	t.Run("max_bytes truncates", func(t *testing.T) {
		tc := testToolContext(t)
		os.WriteFile(filepath.Join(tc.FS.Root(), "long.txt"), []byte("abcdefghij"), 0o644)

		result, err := tool.Execute(context.Background(), map[string]any{
			"path":      "long.txt",
			"max_bytes": float64(4),
		}, tc)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(result, "abcd") {
			t.Errorf("result = %q, want abcd prefix", result)
		}
		if !strings.Contains(result, "truncated at 4 bytes") {
			t.Errorf("missing truncation marker: %q", result)
		}
	})

	t.Run("extracts xlsx to text", func(t *testing.T) {
		tc := testToolContext(t)

		wb := excelize.NewFile()
		wb.SetCellValue("Sheet1", "A1", "item")
		wb.SetCellValue("Sheet1", "B1", "qty")
		wb.SetCellValue("Sheet1", "A2", "widget")
		wb.SetCellValue("Sheet1", "B2", 3)
		buf, err := wb.WriteToBuffer()
		if err != nil {
			t.Fatalf("build xlsx: %v", err)
		}
		os.WriteFile(filepath.Join(tc.FS.Root(), "data.xlsx"), buf.Bytes(), 0o644)

		result, err := tool.Execute(context.Background(), map[string]any{"path": "data.xlsx"}, tc)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(result, "[extracted text: data.xlsx]") {
			t.Errorf("missing extraction header: %q", result)
		}
		if !strings.Contains(result, "item\tqty") || !strings.Contains(result, "widget\t3") {
			t.Errorf("missing sheet content: %q", result)
		}
	})
}

// ---------------------------------------------------------------------------
// write_file
// ---------------------------------------------------------------------------

func TestWriteFileTool(t *testing.T) {
	tool := writeFileTool()

	t.Run("creates file with change row and diff event", func(t *testing.T) {
		tc := testToolContext(t)
		sub := tc.Bus.Subscribe(tc.SessionID)
		defer tc.Bus.Unsubscribe(sub)

		result, err := tool.Execute(context.Background(), map[string]any{
			"path":    "a.txt",
			"content": "hello\n",
		}, tc)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(result, "Wrote 6 bytes") || !strings.Contains(result, "a.txt") {
			t.Errorf("result = %q", result)
		}

		data, err := os.ReadFile(filepath.Join(tc.FS.Root(), "a.txt"))
		if err != nil || string(data) != "hello\n" {
			t.Fatalf("file content = %q, err = %v", data, err)
		}

		// New file: no pre-image, so no version snapshot.
		versions, err := tc.Store.ListFileVersions(tc.SessionID, "a.txt")
		if err != nil {
			t.Fatalf("list versions: %v", err)
		}
		if len(versions) != 0 {
			t.Fatalf("expected no versions for a fresh file, got %d", len(versions))
		}

		changes, err := tc.Store.ListFileChanges(tc.SessionID)
		if err != nil {
			t.Fatalf("list changes: %v", err)
		}
		if len(changes) != 1 || !strings.Contains(changes[0].Diff, "+hello") {
			t.Fatalf("changes = %+v", changes)
		}

		ev := nextEvent(t, sub)
		if ev.Type != domain.EventDiff {
			t.Fatalf("event type = %s, want diff", ev.Type)
		}
		if ev.Payload["path"] != "a.txt" || ev.Payload["tool_call_id"] != "tc_test" {
			t.Errorf("payload = %v", ev.Payload)
		}
		if diff, _ := ev.Payload["diff"].(string); !strings.Contains(diff, "+hello") {
			t.Errorf("diff payload = %q", diff)
		}
	})

	t.Run("overwrite snapshots the pre-image", func(t *testing.T) {
		tc := testToolContext(t)
		sub := tc.Bus.Subscribe(tc.SessionID)
		defer tc.Bus.Unsubscribe(sub)

		for _, content := range []string{"A\n", "B\n"} {
			if _, err := tool.Execute(context.Background(), map[string]any{
				"path":    "a.txt",
				"content": content,
			}, tc); err != nil {
				t.Fatalf("write %q: %v", content, err)
			}
		}

		versions, err := tc.Store.ListFileVersions(tc.SessionID, "a.txt")
		if err != nil {
			t.Fatalf("list versions: %v", err)
		}
		if len(versions) != 1 || versions[0].Idx != 1 {
			t.Fatalf("versions = %+v", versions)
		}
		fv, err := tc.Store.GetFileVersion(versions[0].ID)
		if err != nil {
			t.Fatalf("get version: %v", err)
		}
		if fv.Content != "A\n" {
			t.Errorf("snapshot content = %q, want A\\n", fv.Content)
		}

		nextEvent(t, sub) // creation diff
		ev := nextEvent(t, sub)
		diff, _ := ev.Payload["diff"].(string)
		if !strings.Contains(diff, "-A") || !strings.Contains(diff, "+B") {
			t.Errorf("diff = %q, want -A and +B", diff)
		}
	})

	t.Run("no-op write records nothing", func(t *testing.T) {
		tc := testToolContext(t)

		if _, err := tool.Execute(context.Background(), map[string]any{
			"path": "a.txt", "content": "same\n",
		}, tc); err != nil {
			t.Fatalf("first write: %v", err)
		}

		sub := tc.Bus.Subscribe(tc.SessionID)
		defer tc.Bus.Unsubscribe(sub)

		if _, err := tool.Execute(context.Background(), map[string]any{
			"path": "a.txt", "content": "same\n",
		}, tc); err != nil {
			t.Fatalf("second write: %v", err)
		}

		changes, _ := tc.Store.ListFileChanges(tc.SessionID)
		if len(changes) != 1 {
			t.Fatalf("expected 1 change row, got %d", len(changes))
		}
		versions, _ := tc.Store.ListFileVersions(tc.SessionID, "a.txt")
		if len(versions) != 0 {
			t.Fatalf("expected no versions, got %d", len(versions))
		}
		noEvent(t, sub)
	})

	t.Run("escape rejected with no side effects", func(t *testing.T) {
		tc := testToolContext(t)

		_, err := tool.Execute(context.Background(), map[string]any{
			"path": "../evil.txt", "content": "x",
		}, tc)
		if !errors.Is(err, sandbox.ErrOutsideRoot) {
			t.Fatalf("err = %v, want ErrOutsideRoot", err)
		}
		changes, _ := tc.Store.ListFileChanges(tc.SessionID)
		if len(changes) != 0 {
			t.Fatalf("expected no change rows, got %d", len(changes))
		}
	})
}

// ---------------------------------------------------------------------------
// list_files
// ---------------------------------------------------------------------------

func TestListFilesTool(t *testing.T) {
	tool := listFilesTool()

	t.Run("empty workspace", func(t *testing.T) {
		tc := testToolContext(t)
		result, err := tool.Execute(context.Background(), map[string]any{}, tc)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != "No entries found." {
			t.Errorf("result = %q", result)
		}
	})

	t.Run("lists tree with dir suffix", func(t *testing.T) {
		tc := testToolContext(t)
		root := tc.FS.Root()
		os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644)
		os.MkdirAll(filepath.Join(root, "docs"), 0o755)
		os.WriteFile(filepath.Join(root, "docs", "guide.md"), []byte("g"), 0o644)

		result, err := tool.Execute(context.Background(), map[string]any{}, tc)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := "a.txt\ndocs/\ndocs/guide.md"
		if result != want {
			t.Errorf("result = %q, want %q", result, want)
		}
	})
}
