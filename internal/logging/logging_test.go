package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/opsgate/internal/config"
)

func withLogPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opsgate.log")
	prev := config.Cfg
	config.Cfg.LogPath = path
	t.Cleanup(func() { config.Cfg = prev })
	return path
}

func TestReadTailMissingFile(t *testing.T) {
	withLogPath(t)
	got, err := ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty tail, got %q", got)
	}
}

func TestReadTailReturnsLastLines(t *testing.T) {
	path := withLogPath(t)
	var b strings.Builder
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := ReadTail(3)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if got != "line 18\nline 19\nline 20" {
		t.Fatalf("unexpected tail: %q", got)
	}
}

func TestClearTruncatesByPath(t *testing.T) {
	path := withLogPath(t)
	if err := os.WriteFile(path, []byte("something\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	data, _ := os.ReadFile(path)
	if len(data) != 0 {
		t.Fatalf("expected empty file, got %q", data)
	}
}
