package sshfiles

import (
	"reflect"
	"testing"
)

func TestParseListing_SkipsSummaryAndDotEntries(t *testing.T) {
	raw := "total 12\n" +
		"drwxr-xr-x 2 alice staff 4.0K 2024-01-20 10:00 .\n" +
		"drwxr-xr-x 5 root  root  4.0K 2024-01-19 09:12 ..\n" +
		"-rw-r--r-- 1 alice staff  1.2K 2024-01-20 10:30 notes.txt\n"

	entries, skipped := ParseListing(raw)
	want := []RemoteFileEntry{{
		Name:        "notes.txt",
		Type:        TypeFile,
		Permissions: "-rw-r--r--",
		Owner:       "alice",
		Group:       "staff",
		Size:        "1.2K",
		Modified:    "2024-01-20 10:30",
		IsDirectory: false,
		IsSymlink:   false,
	}}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("ParseListing =\n%+v\nwant\n%+v", entries, want)
	}
	if skipped != 0 {
		t.Errorf("skipped = %d, want 0", skipped)
	}
}

func TestParseListing_Types(t *testing.T) {
	raw := "drwxr-x--- 3 ops ops 4.0K 2024-03-01 08:00 releases\n" +
		"lrwxrwxrwx 1 ops ops   12 2024-03-01 08:01 current -> releases/v2\n" +
		"-rwsr-xr-x. 1 root root 52K 2023-12-31 23:59 helper\n"

	entries, skipped := ParseListing(raw)
	if skipped != 0 {
		t.Fatalf("skipped = %d, want 0", skipped)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3: %+v", len(entries), entries)
	}
	if e := entries[0]; e.Type != TypeDirectory || !e.IsDirectory || e.IsSymlink {
		t.Errorf("releases = %+v, want directory", e)
	}
	if e := entries[1]; e.Type != TypeSymlink || !e.IsSymlink || e.Name != "current -> releases/v2" {
		t.Errorf("current = %+v, want symlink with target kept in name", e)
	}
	if e := entries[2]; e.Type != TypeFile || e.Permissions != "-rwsr-xr-x" || e.Size != "52K" {
		t.Errorf("helper = %+v", e)
	}
}

func TestParseListing_NameWithSpaces(t *testing.T) {
	entries, _ := ParseListing("-rw-r--r-- 1 a b 10 2024-01-01 00:00 quarterly report final.pdf\n")
	if len(entries) != 1 || entries[0].Name != "quarterly report final.pdf" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestParseListing_KeepsLeadingSpacesInName(t *testing.T) {
	entries, skipped := ParseListing("-rw-r--r-- 1 a b 10 2024-01-01 10:30   padded.txt\n")
	if skipped != 0 {
		t.Fatalf("skipped = %d, want 0", skipped)
	}
	if len(entries) != 1 || entries[0].Name != "  padded.txt" {
		t.Errorf("entries = %+v, want name %q", entries, "  padded.txt")
	}
}

func TestParseListing_CountsUnmatchedLines(t *testing.T) {
	raw := "total 8\n" +
		"\n" +
		"crw-rw-rw- 1 root root 1, 3 2024-01-01 00:00 null\n" +
		"-rw-r--r-- 1 alice staff 5 Jan 20 10:30 localized.txt\n" +
		"ls: cannot access 'x': Permission denied\n" +
		"-rw-r--r-- 1 alice staff 5 2024-01-20 10:30 ok.txt\r\n"

	entries, skipped := ParseListing(raw)
	if skipped != 3 {
		t.Errorf("skipped = %d, want 3", skipped)
	}
	if len(entries) != 1 || entries[0].Name != "ok.txt" {
		t.Errorf("entries = %+v, want only ok.txt", entries)
	}
}

func TestParseListing_Empty(t *testing.T) {
	entries, skipped := ParseListing("")
	if entries == nil || len(entries) != 0 || skipped != 0 {
		t.Errorf("ParseListing(\"\") = %v, %d; want empty non-nil slice, 0", entries, skipped)
	}
}
