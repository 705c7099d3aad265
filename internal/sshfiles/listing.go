package sshfiles

import (
	"regexp"
	"strings"
)

// Entry types.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
	TypeSymlink   = "symlink"
)

// RemoteFileEntry is one parsed listing line.
type RemoteFileEntry struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Permissions string `json:"permissions"`
	Owner       string `json:"owner"`
	Group       string `json:"group"`
	Size        string `json:"size"`
	Modified    string `json:"modified"`
	IsDirectory bool   `json:"isDirectory"`
	IsSymlink   bool   `json:"isSymlink"`
}

// type+perms, links, owner, group, size, date, time, name (remainder).
var listingLine = regexp.MustCompile(
	`^([-dlcbps][-rwxsStT]{9})[.+@]?\s+(\d+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\d{4}-\d{2}-\d{2})\s+(\d{2}:\d{2})\s(.+)$`)

// ParseListing parses ls long-format output. It skips the "total" line, blank
// lines and the "." and ".." entries; other lines that do not match the
// layout are dropped and counted in skipped.
func ParseListing(raw string) (entries []RemoteFileEntry, skipped int) {
	entries = []RemoteFileEntry{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		m := listingLine.FindStringSubmatch(line)
		if m == nil {
			skipped++
			continue
		}
		// ls puts exactly one space before the name; the rest belongs to it.
		name := m[8]
		if name == "." || name == ".." {
			continue
		}

		mode := m[1]
		entry := RemoteFileEntry{
			Name:        name,
			Type:        TypeFile,
			Permissions: mode,
			Owner:       m[3],
			Group:       m[4],
			Size:        m[5],
			Modified:    m[6] + " " + m[7],
		}
		switch mode[0] {
		case 'd':
			entry.Type = TypeDirectory
			entry.IsDirectory = true
		case 'l':
			entry.Type = TypeSymlink
			entry.IsSymlink = true
		}
		entries = append(entries, entry)
	}
	return entries, skipped
}
