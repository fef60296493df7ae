package atomicfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestWrite(t *testing.T) {
	t.Run("creates new file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "q.json")

		if err := Write(path, []byte("hello")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if string(data) != "hello" {
			t.Errorf("content = %q, want %q", data, "hello")
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if info.Mode().Perm() != FileMode {
			t.Errorf("mode = %v, want %v", info.Mode().Perm(), FileMode)
		}
	})

	t.Run("replaces existing content", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "q.json")
		if err := os.WriteFile(path, []byte("old content that is longer"), 0644); err != nil {
			t.Fatal(err)
		}

		if err := Write(path, []byte("new")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}

		data, _ := os.ReadFile(path)
		if string(data) != "new" {
			t.Errorf("content = %q, want %q", data, "new")
		}
	})

	t.Run("creates missing parent directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "metadata", "queues", "q.json")

		if err := Write(path, []byte("{}")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("file not created: %v", err)
		}
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "q.json")

		for i := 0; i < 3; i++ {
			if err := Write(path, []byte("x")); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
		}

		names := listDir(t, dir)
		if len(names) != 1 || names[0] != "q.json" {
			t.Errorf("dir contents = %v, want [q.json]", names)
		}
	})
}

func TestWrite_RenameFailureKeepsOriginal(t *testing.T) {
	tests := []struct {
		name     string
		existing *string
	}{
		{name: "prior content", existing: strPtr("original")},
		{name: "prior absence", existing: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "q.json")
			if tt.existing != nil {
				if err := os.WriteFile(path, []byte(*tt.existing), 0644); err != nil {
					t.Fatal(err)
				}
			}

			injected := errors.New("simulated crash before rename")
			orig := rename
			rename = func(string, string) error { return injected }
			defer func() { rename = orig }()

			err := Write(path, []byte("partial"))
			if !errors.Is(err, injected) {
				t.Fatalf("Write error = %v, want wrapped injected error", err)
			}

			data, readErr := os.ReadFile(path)
			if tt.existing == nil {
				if !os.IsNotExist(readErr) {
					t.Errorf("target should still be absent, got err=%v data=%q", readErr, data)
				}
			} else if string(data) != *tt.existing {
				t.Errorf("content = %q, want %q", data, *tt.existing)
			}

			for _, name := range listDir(t, dir) {
				if strings.Contains(name, ".tmp-") {
					t.Errorf("temp file %q was not cleaned up", name)
				}
			}
		})
	}
}

func TestWrite_ParentIsFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Write(filepath.Join(blocker, "q.json"), []byte("x")); err == nil {
		t.Fatal("expected error when parent path is a regular file")
	}
}

func TestWrite_ConcurrentReadersNeverSeePartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	small := strings.Repeat("a", 16)
	large := strings.Repeat("b", 64*1024)
	if err := Write(path, []byte(small)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			content := small
			if i%2 == 0 {
				content = large
			}
			if err := Write(path, []byte(content)); err != nil {
				t.Errorf("Write failed: %v", err)
				return
			}
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if s := string(data); s != small && s != large {
			t.Fatalf("observed partial content of length %d", len(s))
		}
	}
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	value := map[string]any{"id": "q1", "currentIndex": 2}

	if err := WriteJSON(path, value); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("expected trailing newline")
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid json written: %v", err)
	}
	if decoded["id"] != "q1" {
		t.Errorf("id = %v, want q1", decoded["id"])
	}
}

func TestWriteJSON_MarshalErrorLeavesTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.json")
	if err := os.WriteFile(path, []byte("keep"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := WriteJSON(path, map[string]any{"bad": make(chan int)}); err == nil {
		t.Fatal("expected marshal error")
	}

	data, _ := os.ReadFile(path)
	if string(data) != "keep" {
		t.Errorf("content = %q, want keep", data)
	}
}

func TestWriteYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := WriteYAML(path, map[string]string{"name": "auth"}); err != nil {
		t.Fatalf("WriteYAML failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.TrimSpace(string(data)) != "name: auth" {
		t.Errorf("content = %q", data)
	}
}

func strPtr(s string) *string { return &s }
