package sshtransfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// ErrTooLarge is returned by Stage when the input exceeds the size limit.
var ErrTooLarge = errors.New("file exceeds the maximum upload size")

// Staging is a local holding directory for uploads awaiting transfer and
// downloads awaiting delivery. Every file gets a unique
// "<unixnano>-<name>" filename.
type Staging struct {
	dir string
	now func() time.Time
}

// StagedFile describes a file currently held in a Staging directory. Created
// is the file's modification time; the filesystem does not portably record
// creation time.
type StagedFile struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"sizeHuman"`
	Created   time.Time `json:"created"`
	Modified  time.Time `json:"modified"`
}

// NewStaging creates dir if needed.
func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", dir, err)
	}
	return &Staging{dir: dir, now: time.Now}, nil
}

// Dir returns the staging directory.
func (s *Staging) Dir() string { return s.dir }

// SafeName reduces a client-supplied filename to its final path element.
// It returns "" for names that cannot be used.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." {
		return ""
	}
	return name
}

// Create opens a new uniquely named file for name.
func (s *Staging) Create(name string) (*os.File, error) {
	base := SafeName(name)
	if base == "" {
		return nil, fmt.Errorf("invalid file name %q", name)
	}
	stamp := s.now().UnixNano()
	for attempt := 0; ; attempt++ {
		path := filepath.Join(s.dir, fmt.Sprintf("%d-%s", stamp+int64(attempt), base))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) || attempt >= 100 {
			return nil, fmt.Errorf("create staged file: %w", err)
		}
	}
}

// Stage copies r into a new staged file, reading at most limit bytes when
// limit > 0. On any error the partial file is removed.
func (s *Staging) Stage(name string, r io.Reader, limit int64) (path string, size int64, err error) {
	f, err := s.Create(name)
	if err != nil {
		return "", 0, err
	}
	staged := f.Name()
	defer func() {
		if err != nil {
			os.Remove(staged)
		}
	}()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	size, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("stage %s: %w", name, err)
	}
	if limit > 0 && size > limit {
		return "", 0, fmt.Errorf("%w (%s)", ErrTooLarge, units.HumanSize(float64(limit)))
	}
	return staged, size, nil
}

// Inventory lists staged files, newest first.
func (s *Staging) Inventory() ([]StagedFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read staging dir: %w", err)
	}
	files := make([]StagedFile, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, StagedFile{
			Name:      e.Name(),
			Size:      info.Size(),
			SizeHuman: units.HumanSize(float64(info.Size())),
			Created:   info.ModTime(),
			Modified:  info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Modified.After(files[j].Modified) })
	return files, nil
}

// Sweep removes regular files older than maxAge and returns how many it
// removed. It collects files that a crashed request left behind.
func (s *Staging) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read staging dir: %w", err)
	}
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
