package sshtest

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSExec answers the gateway's directory predicate and listing commands from
// the local filesystem, so tests do not depend on the host's ls flavour.
// Anything else falls through to ShellExec.
func FSExec(cmd string, stdout, stderr io.Writer) int {
	switch {
	case strings.HasPrefix(cmd, "if [ -d "):
		dir, ok := firstQuoted(cmd)
		if !ok {
			break
		}
		fmt.Fprintln(stdout, dirStatus(dir))
		return 0
	case strings.HasPrefix(cmd, "LC_ALL=C ls "):
		i := strings.Index(cmd, "-- ")
		if i < 0 {
			break
		}
		dir, ok := firstQuoted(cmd[i:])
		if !ok {
			break
		}
		if err := writeListing(stdout, dir); err != nil {
			fmt.Fprintln(stdout, "__LS_FAILED__")
		}
		return 0
	}
	return ShellExec(cmd, stdout, stderr)
}

func dirStatus(dir string) string {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "NOT_EXISTS"
	}
	f, err := os.CreateTemp(dir, ".wcheck-*")
	if err != nil {
		return "NO_WRITE"
	}
	f.Close()
	os.Remove(f.Name())
	return "VALID"
}

func writeListing(w io.Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "total %d\n", len(entries))
	for _, name := range []string{".", ".."} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		writeLine(w, name, info)
	}
	for _, e := range entries {
		info, err := os.Lstat(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		name := e.Name()
		if info.Mode()&fs.ModeSymlink != 0 {
			if target, err := os.Readlink(filepath.Join(dir, name)); err == nil {
				name += " -> " + target
			}
		}
		writeLine(w, name, info)
	}
	return nil
}

func writeLine(w io.Writer, name string, info fs.FileInfo) {
	fmt.Fprintf(w, "%s 1 tester tester %5d %s %s\n",
		modeString(info.Mode()), info.Size(), info.ModTime().Format("2006-01-02 15:04"), name)
}

func modeString(m fs.FileMode) string {
	kind := byte('-')
	switch {
	case m.IsDir():
		kind = 'd'
	case m&fs.ModeSymlink != 0:
		kind = 'l'
	}
	const rwx = "rwxrwxrwx"
	perm := []byte("---------")
	for i := 0; i < 9; i++ {
		if m&(1<<uint(8-i)) != 0 {
			perm[i] = rwx[i]
		}
	}
	return string(kind) + string(perm)
}

// firstQuoted returns the first single-quoted shell word in s, undoing the
// '\'' escape.
func firstQuoted(s string) (string, bool) {
	start := strings.IndexByte(s, '\'')
	if start < 0 {
		return "", false
	}
	var b strings.Builder
	rest := s[start+1:]
	for {
		end := strings.IndexByte(rest, '\'')
		if end < 0 {
			return "", false
		}
		b.WriteString(rest[:end])
		rest = rest[end+1:]
		if !strings.HasPrefix(rest, `\''`) {
			return b.String(), true
		}
		b.WriteByte('\'')
		rest = rest[3:]
	}
}
