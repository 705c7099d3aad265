package sshfiles

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gluk-w/opsgate/internal/sshconn"
	"github.com/gluk-w/opsgate/internal/sshtest"
)

func openConn(t *testing.T, srv *sshtest.Server) *sshconn.Conn {
	t.Helper()
	conn, err := sshconn.NewBroker().Open(context.Background(),
		sshconn.Target{Host: srv.Host, Port: srv.Port, Username: srv.User, KeyMaterial: srv.KeyPEM},
		sshconn.Options{ReadyTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.log"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "archive"), 0o755); err != nil {
		t.Fatal(err)
	}

	srv := sshtest.Start(t)
	conn := openConn(t, srv)

	listing, err := List(context.Background(), conn, dir, 5*time.Second)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if listing.Path != dir {
		t.Errorf("Path = %q", listing.Path)
	}
	got := map[string]RemoteFileEntry{}
	for _, e := range listing.Files {
		got[e.Name] = e
	}
	if len(got) != 2 {
		t.Fatalf("files = %+v, want 2 entries", listing.Files)
	}
	if e := got["app.log"]; e.Type != TypeFile || e.Size != "5" {
		t.Errorf("app.log = %+v", e)
	}
	if e := got["archive"]; !e.IsDirectory {
		t.Errorf("archive = %+v, want directory", e)
	}
}

func TestList_MissingDirectory(t *testing.T) {
	srv := sshtest.Start(t)
	conn := openConn(t, srv)

	_, err := List(context.Background(), conn, filepath.Join(t.TempDir(), "gone"), 5*time.Second)
	if !sshconn.IsKind(err, sshconn.KindPathNotFound) {
		t.Fatalf("kind = %q (%v), want PathNotFound", sshconn.KindOf(err), err)
	}
}

func TestList_ReportsSkipped(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithExec(func(cmd string, stdout, stderr io.Writer) int {
		fmt.Fprint(stdout, "total 4\n-rw-r--r-- 1 a b 1 2024-01-01 00:00 keep\nweird line\n")
		return 0
	}))
	conn := openConn(t, srv)

	listing, err := List(context.Background(), conn, "/any", 5*time.Second)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listing.Files) != 1 || listing.Skipped != 1 {
		t.Errorf("files = %d skipped = %d, want 1 and 1", len(listing.Files), listing.Skipped)
	}
}
