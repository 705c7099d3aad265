package sshtransfer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/opsgate/internal/sshconn"
	"github.com/gluk-w/opsgate/internal/sshfiles"
	"github.com/gluk-w/opsgate/internal/sshtest"
)

type countingOpener struct {
	broker *sshconn.Broker
	opens  atomic.Int32
}

func (o *countingOpener) Open(ctx context.Context, target sshconn.Target, opts sshconn.Options) (*sshconn.Conn, error) {
	o.opens.Add(1)
	return o.broker.Open(ctx, target, opts)
}

func testProfile() sshconn.Profile {
	return sshconn.Profile{
		Validate:      sshconn.Options{ReadyTimeout: 5 * time.Second},
		Transfer:      sshconn.Options{ReadyTimeout: 5 * time.Second},
		LargeTransfer: sshconn.Options{ReadyTimeout: 30 * time.Second, KeepaliveInterval: time.Second, KeepaliveMaxMissed: 3},
	}
}

func newTestEngine(t *testing.T) (*Engine, *countingOpener, *Staging, *Staging) {
	t.Helper()
	uploads, err := NewStaging(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatal(err)
	}
	downloads, err := NewStaging(filepath.Join(t.TempDir(), "downloads"))
	if err != nil {
		t.Fatal(err)
	}
	opener := &countingOpener{broker: sshconn.NewBroker()}
	return NewEngine(opener, testProfile(), downloads), opener, uploads, downloads
}

func stage(t *testing.T, s *Staging, name, content string) string {
	t.Helper()
	p, _, err := s.Stage(name, strings.NewReader(content), 0)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	return p
}

func targetFor(srv *sshtest.Server) sshconn.Target {
	return sshconn.Target{Host: srv.Host, Port: srv.Port, Username: srv.User, KeyMaterial: srv.KeyPEM}
}

func assertRemoved(t *testing.T, p string) {
	t.Helper()
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Errorf("staged file %s still present (stat err %v)", p, err)
	}
}

func TestTargetDirectory(t *testing.T) {
	tests := []struct{ remote, dir, write string }{
		{"/srv/app/", "/srv/app/", "/srv/app/report.csv"},
		{"/srv/app/data.bin", "/srv/app", "/srv/app/data.bin"},
		{"data.bin", ".", "data.bin"},
	}
	for _, tt := range tests {
		if got := TargetDirectory(tt.remote); got != tt.dir {
			t.Errorf("TargetDirectory(%q) = %q, want %q", tt.remote, got, tt.dir)
		}
		if got := WritePath(tt.remote, "report.csv"); got != tt.write {
			t.Errorf("WritePath(%q) = %q, want %q", tt.remote, got, tt.write)
		}
	}
}

func TestTransferFailure_SeparatesCancelFromDeadline(t *testing.T) {
	streamErr := errors.New("connection lost")

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	err := transferFailure(canceled, "upload", "10.0.0.5:22", streamErr)
	if !sshconn.IsKind(err, sshconn.KindTransferError) {
		t.Errorf("canceled: kind = %s, want TransferError", sshconn.KindOf(err))
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("canceled: %v does not wrap context.Canceled", err)
	}

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	err = transferFailure(expired, "download", "10.0.0.5:22", streamErr)
	if !sshconn.IsKind(err, sshconn.KindTimeout) {
		t.Errorf("expired: kind = %s, want Timeout", sshconn.KindOf(err))
	}

	err = transferFailure(context.Background(), "upload", "10.0.0.5:22", streamErr)
	if !sshconn.IsKind(err, sshconn.KindTransferError) || !errors.Is(err, streamErr) {
		t.Errorf("live context: err = %v, want TransferError wrapping the stream error", err)
	}
}

func TestUpload_MissingDirectory(t *testing.T) {
	srv := sshtest.Start(t)
	engine, _, uploads, _ := newTestEngine(t)
	local := stage(t, uploads, "app.tar.gz", "payload")

	missingDir := filepath.Join(t.TempDir(), "no-such-dir")
	_, err := engine.Upload(context.Background(), UploadRequest{
		LocalPath:    local,
		RemotePath:   missingDir + "/",
		OriginalName: "app.tar.gz",
		Target:       targetFor(srv),
	})
	if !sshconn.IsKind(err, sshconn.KindPathNotFound) {
		t.Fatalf("Upload kind = %q (%v), want PathNotFound", sshconn.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), missingDir) || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("error %q should name the directory and say it does not exist", err)
	}
	assertRemoved(t, local)
}

func TestUpload_NotWritable(t *testing.T) {
	// Answer the directory predicate as a read-only mount would, independent
	// of the uid the tests run under.
	srv := sshtest.Start(t, sshtest.WithExec(func(cmd string, stdout, stderr io.Writer) int {
		if strings.Contains(cmd, "[ -w ") {
			io.WriteString(stdout, "NO_WRITE\n")
			return 0
		}
		return sshtest.FSExec(cmd, stdout, stderr)
	}))
	engine, _, uploads, _ := newTestEngine(t)
	local := stage(t, uploads, "app.tar.gz", "payload")

	dir := t.TempDir()
	_, err := engine.Upload(context.Background(), UploadRequest{
		LocalPath:    local,
		RemotePath:   dir + "/",
		OriginalName: "app.tar.gz",
		Target:       targetFor(srv),
	})
	if !sshconn.IsKind(err, sshconn.KindPathNotWritable) {
		t.Fatalf("Upload kind = %q (%v), want PathNotWritable", sshconn.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), dir) || !strings.Contains(err.Error(), "is not writable") {
		t.Errorf("error %q should name the directory and say it is not writable", err)
	}
	if _, serr := os.Stat(filepath.Join(dir, "app.tar.gz")); !os.IsNotExist(serr) {
		t.Error("file written despite the failed directory check")
	}
	assertRemoved(t, local)
}

func TestUpload_RoundTripThenList(t *testing.T) {
	srv := sshtest.Start(t)
	engine, _, uploads, _ := newTestEngine(t)
	local := stage(t, uploads, "report.csv", "a,b\n1,2\n")
	remoteDir := t.TempDir()

	res, err := engine.Upload(context.Background(), UploadRequest{
		LocalPath:    local,
		RemotePath:   remoteDir + "/",
		OriginalName: "report.csv",
		Target:       targetFor(srv),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	assertRemoved(t, local)

	if res.RemotePath != remoteDir+"/report.csv" || res.Size != 8 || res.Server != srv.Host {
		t.Errorf("result = %+v", res)
	}
	got, err := os.ReadFile(filepath.Join(remoteDir, "report.csv"))
	if err != nil || string(got) != "a,b\n1,2\n" {
		t.Errorf("remote content = %q, %v", got, err)
	}
	wantHistory := []Status{StatusPending, StatusValidating, StatusTransferring, StatusComplete}
	if h := res.Job.History(); !reflect.DeepEqual(h, wantHistory) {
		t.Errorf("job history = %v, want %v", h, wantHistory)
	}

	conn, err := sshconn.NewBroker().Open(context.Background(), targetFor(srv), sshconn.Options{ReadyTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	listing, err := sshfiles.List(context.Background(), conn, remoteDir, 5*time.Second)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, f := range listing.Files {
		if f.Name == "report.csv" {
			found = true
		}
	}
	if !found {
		t.Errorf("listing %+v does not contain report.csv", listing.Files)
	}
}

func TestUpload_ExplicitFilePath(t *testing.T) {
	srv := sshtest.Start(t)
	engine, _, uploads, _ := newTestEngine(t)
	local := stage(t, uploads, "ignored-name.txt", "hello")
	remote := filepath.Join(t.TempDir(), "renamed.txt")

	res, err := engine.Upload(context.Background(), UploadRequest{LocalPath: local, RemotePath: remote, OriginalName: "ignored-name.txt", Target: targetFor(srv)})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.RemotePath != remote {
		t.Errorf("RemotePath = %q, want %q", res.RemotePath, remote)
	}
	if _, err := os.Stat(remote); err != nil {
		t.Errorf("remote file missing: %v", err)
	}
}

func TestUpload_RejectsWithoutDialing(t *testing.T) {
	engine, opener, uploads, _ := newTestEngine(t)
	tests := []struct {
		name   string
		target sshconn.Target
		remote string
		kind   sshconn.Kind
	}{
		{"missing ip", sshconn.Target{Username: "u", KeyMaterial: "k"}, "/tmp/", sshconn.KindInvalidRequest},
		{"missing remote path", sshconn.Target{Host: "h", Username: "u", KeyMaterial: "k"}, "", sshconn.KindInvalidRequest},
		{"bad key", sshconn.Target{Host: "h", Username: "u", KeyMaterial: "ssh-rsa AAAA"}, "/tmp/", sshconn.KindInvalidKeyFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := stage(t, uploads, "f.txt", "x")
			_, err := engine.Upload(context.Background(), UploadRequest{LocalPath: local, RemotePath: tt.remote, OriginalName: "f.txt", Target: tt.target})
			if !sshconn.IsKind(err, tt.kind) {
				t.Fatalf("kind = %q (%v), want %q", sshconn.KindOf(err), err, tt.kind)
			}
			assertRemoved(t, local)
		})
	}
	if n := opener.opens.Load(); n != 0 {
		t.Errorf("opens = %d, want 0", n)
	}
}

func TestUpload_AuthFailureRemovesStagedFile(t *testing.T) {
	srv := sshtest.Start(t)
	other := sshtest.Start(t)
	engine, _, uploads, _ := newTestEngine(t)
	local := stage(t, uploads, "f.txt", "x")

	target := targetFor(srv)
	target.KeyMaterial = other.KeyPEM
	_, err := engine.Upload(context.Background(), UploadRequest{LocalPath: local, RemotePath: t.TempDir() + "/", OriginalName: "f.txt", Target: target})
	if !sshconn.IsKind(err, sshconn.KindAuthFailure) {
		t.Fatalf("kind = %q (%v), want AuthFailure", sshconn.KindOf(err), err)
	}
	assertRemoved(t, local)
}

func TestDownload(t *testing.T) {
	srv := sshtest.Start(t)
	engine, _, _, downloads := newTestEngine(t)
	remote := filepath.Join(t.TempDir(), "server.log")
	if err := os.WriteFile(remote, []byte("line1\nline2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := engine.Download(context.Background(), DownloadRequest{RemotePath: remote, Target: targetFor(srv)})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Name != "server.log" || res.Size != 12 {
		t.Errorf("result = %+v", res)
	}
	if filepath.Dir(res.LocalPath) != downloads.Dir() || !strings.HasSuffix(res.LocalPath, "-server.log") {
		t.Errorf("LocalPath = %q", res.LocalPath)
	}
	got, err := os.ReadFile(res.LocalPath)
	if err != nil || string(got) != "line1\nline2\n" {
		t.Errorf("local content = %q, %v", got, err)
	}
	if err := res.Remove(); err != nil {
		t.Errorf("Remove: %v", err)
	}
	assertRemoved(t, res.LocalPath)
}

func TestDownload_LocalFilenameOverride(t *testing.T) {
	srv := sshtest.Start(t)
	engine, _, _, _ := newTestEngine(t)
	remote := filepath.Join(t.TempDir(), "a.txt")
	os.WriteFile(remote, []byte("a"), 0o644)

	res, err := engine.Download(context.Background(), DownloadRequest{RemotePath: remote, LocalFilename: "../../etc/b.txt", Target: targetFor(srv)})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer res.Remove()
	if res.Name != "b.txt" {
		t.Errorf("Name = %q, want b.txt", res.Name)
	}
}

func TestDownload_MissingRemoteLeavesNothing(t *testing.T) {
	srv := sshtest.Start(t)
	engine, _, _, downloads := newTestEngine(t)

	_, err := engine.Download(context.Background(), DownloadRequest{RemotePath: filepath.Join(t.TempDir(), "nope.bin"), Target: targetFor(srv)})
	if !sshconn.IsKind(err, sshconn.KindPathNotFound) {
		t.Fatalf("kind = %q (%v), want PathNotFound", sshconn.KindOf(err), err)
	}
	files, err := downloads.Inventory()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("downloads dir not empty: %+v", files)
	}
}
