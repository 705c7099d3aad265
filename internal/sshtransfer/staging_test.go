package sshtransfer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSafeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"report.csv", "report.csv"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\notes.txt`, "notes.txt"},
		{"dir/", "dir"},
		{"", ""},
		{"..", ""},
		{"/", ""},
		{"name with spaces.txt", "name with spaces.txt"},
	}
	for _, tt := range tests {
		if got := SafeName(tt.in); got != tt.want {
			t.Errorf("SafeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStage_UniqueNames(t *testing.T) {
	s, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p1, _, err := s.Stage("a.txt", strings.NewReader("1"), 0)
	if err != nil {
		t.Fatal(err)
	}
	p2, _, err := s.Stage("a.txt", strings.NewReader("2"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Errorf("staged paths collide: %s", p1)
	}
	if !strings.HasSuffix(filepath.Base(p1), "-a.txt") {
		t.Errorf("staged name = %q, want <timestamp>-a.txt", filepath.Base(p1))
	}
}

func TestStage_LimitRemovesPartial(t *testing.T) {
	s, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = s.Stage("big.bin", strings.NewReader(strings.Repeat("x", 11)), 10)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Stage err = %v, want ErrTooLarge", err)
	}
	files, _ := s.Inventory()
	if len(files) != 0 {
		t.Errorf("partial file left behind: %+v", files)
	}

	_, size, err := s.Stage("ok.bin", strings.NewReader(strings.Repeat("x", 10)), 10)
	if err != nil || size != 10 {
		t.Errorf("Stage at limit = %d, %v", size, err)
	}
}

func TestInventoryAndSweep(t *testing.T) {
	s, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	old, _, _ := s.Stage("old.txt", strings.NewReader("old"), 0)
	s.Stage("new.txt", strings.NewReader(strings.Repeat("n", 2048)), 0)
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	files, err := s.Inventory()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("inventory = %+v", files)
	}
	if !strings.HasSuffix(files[0].Name, "-new.txt") || files[0].SizeHuman != "2.048kB" {
		t.Errorf("newest entry = %+v", files[0])
	}

	removed, err := s.Sweep(time.Hour)
	if err != nil || removed != 1 {
		t.Errorf("Sweep = %d, %v; want 1", removed, err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old file survived sweep")
	}
}
