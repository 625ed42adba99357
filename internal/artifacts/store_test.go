package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStoreSave(t *testing.T) {
	dir := t.TempDir()
	store := &localStore{baseDir: dir}

	loc, err := store.Save(context.Background(), "run-1/report.txt", []byte("hello"), "text/plain")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if loc != filepath.Join(dir, "run-1", "report.txt") {
		t.Fatalf("unexpected location %q", loc)
	}

	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("read %q, want %q", data, "hello")
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store := &localStore{baseDir: t.TempDir()}

	for _, key := range []string{"../escape", "..", ""} {
		if _, err := store.Save(context.Background(), key, []byte("x"), ""); err == nil {
			t.Fatalf("key %q should be rejected", key)
		}
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"run-1/report.txt":   "run-1/report.txt",
		"/abs/report.txt":    "abs/report.txt",
		"./rel/report.txt":   "rel/report.txt",
		"a/../b/report.txt":  "b/report.txt",
		"../outside.txt":     "",
		"..":                 "",
		".":                  "",
		"a/../../outside.go": "",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
