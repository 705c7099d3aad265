package sshtransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/opsgate/internal/sshconn"
	"github.com/gluk-w/opsgate/internal/sshexec"
)

// Opener opens SSH connections. *sshconn.Broker satisfies it.
type Opener interface {
	Open(ctx context.Context, target sshconn.Target, opts sshconn.Options) (*sshconn.Conn, error)
}

// Engine performs uploads and downloads. Each call opens, owns and closes
// its own connection.
type Engine struct {
	opener    Opener
	profile   sshconn.Profile
	downloads *Staging
	logger    zerolog.Logger
}

// NewEngine creates an Engine that writes downloads into downloads.
func NewEngine(opener Opener, profile sshconn.Profile, downloads *Staging) *Engine {
	return &Engine{
		opener:    opener,
		profile:   profile,
		downloads: downloads,
		logger:    log.With().Str("component", "transfer").Logger(),
	}
}

// UploadRequest describes one upload. LocalPath is a staged file that Upload
// always removes.
type UploadRequest struct {
	LocalPath    string
	RemotePath   string
	OriginalName string
	Target       sshconn.Target
}

// UploadResult describes a finished upload.
type UploadResult struct {
	Job        *Job
	RemotePath string // the path actually written
	Size       int64
	Server     string
}

// TargetDirectory returns the directory an upload to remotePath writes into:
// remotePath itself when it ends in "/", otherwise its parent.
func TargetDirectory(remotePath string) string {
	if strings.HasSuffix(remotePath, "/") {
		return remotePath
	}
	return path.Dir(remotePath)
}

// WritePath returns the remote file path for an upload: remotePath with the
// original filename appended when remotePath names a directory.
func WritePath(remotePath, originalName string) string {
	if strings.HasSuffix(remotePath, "/") {
		return remotePath + SafeName(originalName)
	}
	return remotePath
}

// transferFailure classifies an error from a byte stream. Only an expired
// deadline is a Timeout; a canceled request is a TransferError.
func transferFailure(ctx context.Context, op, host string, err error) error {
	switch cerr := ctx.Err(); {
	case errors.Is(cerr, context.DeadlineExceeded):
		return &sshconn.Error{Kind: sshconn.KindTimeout, Op: op, Host: host, Err: fmt.Errorf("transfer deadline exceeded: %w", cerr)}
	case cerr != nil:
		return &sshconn.Error{Kind: sshconn.KindTransferError, Op: op, Host: host, Err: fmt.Errorf("transfer canceled: %w", cerr)}
	}
	return &sshconn.Error{Kind: sshconn.KindTransferError, Op: op, Host: host, Err: err}
}

// Upload validates the target directory and streams the staged file to it.
// The staged file is removed on every return path.
func (e *Engine) Upload(ctx context.Context, req UploadRequest) (res *UploadResult, err error) {
	job := newJob(DirectionUpload, req.LocalPath, req.RemotePath)
	defer func() {
		if req.LocalPath != "" {
			if rerr := os.Remove(req.LocalPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				e.logger.Warn().Err(rerr).Str("path", req.LocalPath).Msg("failed to remove staged upload")
			}
		}
		job.finish(err)
	}()

	if err := validateUpload(req); err != nil {
		return nil, err
	}
	info, err := os.Stat(req.LocalPath)
	if err != nil {
		return nil, sshconn.Errorf(sshconn.KindTransferError, "upload", "", "staged file unavailable: %v", err)
	}
	job.Size = info.Size()

	dir := TargetDirectory(req.RemotePath)
	writePath := WritePath(req.RemotePath, req.OriginalName)
	job.RemotePath = writePath
	host := req.Target.Addr()
	logger := e.logger.With().Str("job", job.ID).Str("target", req.Target.String()).Str("remote", writePath).Logger()

	ctx, cancel := context.WithTimeout(ctx, e.profile.LargeTransfer.ReadyTimeout)
	defer cancel()

	job.setStatus(StatusValidating)
	conn, err := e.opener.Open(ctx, req.Target, sshconn.Options{
		ReadyTimeout:       e.profile.Transfer.ReadyTimeout,
		KeepaliveInterval:  e.profile.LargeTransfer.KeepaliveInterval,
		KeepaliveMaxMissed: e.profile.LargeTransfer.KeepaliveMaxMissed,
	})
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	status, err := sshexec.ValidateDirectory(ctx, conn, dir, e.profile.Validate.ReadyTimeout)
	if err != nil {
		return nil, err
	}
	if derr := sshexec.DirectoryError(status, "upload", host, dir); derr != nil {
		logger.Info().Str("status", string(status)).Msg("upload rejected by directory check")
		return nil, derr
	}

	job.setStatus(StatusTransferring)
	start := time.Now()
	n, err := e.send(conn, req.LocalPath, writePath)
	if err != nil {
		return nil, transferFailure(ctx, "upload", host, err)
	}

	logger.Info().Int64("bytes", n).Dur("elapsed", time.Since(start)).Msg("upload complete")
	return &UploadResult{Job: job, RemotePath: writePath, Size: n, Server: req.Target.Host}, nil
}

// send streams localPath to remotePath. Completion is the remote close
// acknowledgement, not the last write.
func (e *Engine) send(conn *sshconn.Conn, localPath, remotePath string) (int64, error) {
	client, err := sftp.NewClient(conn.Client())
	if err != nil {
		return 0, fmt.Errorf("open sftp subsystem: %w", err)
	}
	defer client.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open staged file: %w", err)
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", remotePath, err)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()
		client.Remove(remotePath)
		return 0, fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", remotePath, err)
	}
	return n, nil
}

func validateUpload(req UploadRequest) error {
	var missing []string
	if strings.TrimSpace(req.Target.Host) == "" {
		missing = append(missing, "ip")
	}
	if strings.TrimSpace(req.Target.Username) == "" {
		missing = append(missing, "username")
	}
	if strings.TrimSpace(req.Target.KeyMaterial) == "" {
		missing = append(missing, "sshKey")
	}
	if strings.TrimSpace(req.RemotePath) == "" {
		missing = append(missing, "remotePath")
	}
	if req.LocalPath == "" {
		missing = append(missing, "file")
	}
	if len(missing) > 0 {
		return sshconn.Errorf(sshconn.KindInvalidRequest, "upload", "", "missing required fields: %s", strings.Join(missing, ", "))
	}
	if strings.HasSuffix(req.RemotePath, "/") && SafeName(req.OriginalName) == "" {
		return sshconn.Errorf(sshconn.KindInvalidRequest, "upload", "", "remotePath is a directory and the file has no usable name")
	}
	return req.Target.Validate()
}

// DownloadRequest describes one download.
type DownloadRequest struct {
	RemotePath    string
	LocalFilename string
	Target        sshconn.Target
}

// DownloadResult is a downloaded file held in the download staging area. The
// caller sends it and then calls Remove, whatever the send outcome.
type DownloadResult struct {
	Job       *Job
	LocalPath string
	Name      string
	Size      int64
}

// Remove deletes the local copy.
func (r *DownloadResult) Remove() error {
	if err := os.Remove(r.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Download streams remotePath into a new staged file. On failure no local
// file remains.
func (e *Engine) Download(ctx context.Context, req DownloadRequest) (res *DownloadResult, err error) {
	job := newJob(DirectionDownload, "", req.RemotePath)
	defer func() { job.finish(err) }()

	if strings.TrimSpace(req.RemotePath) == "" {
		return nil, sshconn.Errorf(sshconn.KindInvalidRequest, "download", "", "missing required fields: remotePath")
	}
	if err := req.Target.Validate(); err != nil {
		return nil, err
	}
	name := SafeName(req.LocalFilename)
	if name == "" {
		name = SafeName(path.Base(req.RemotePath))
	}
	if name == "" {
		return nil, sshconn.Errorf(sshconn.KindInvalidRequest, "download", "", "remotePath %s does not name a file", req.RemotePath)
	}
	host := req.Target.Addr()

	ctx, cancel := context.WithTimeout(ctx, e.profile.LargeTransfer.ReadyTimeout)
	defer cancel()

	job.setStatus(StatusValidating)
	conn, err := e.opener.Open(ctx, req.Target, e.profile.Transfer)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := sftp.NewClient(conn.Client())
	if err != nil {
		return nil, &sshconn.Error{Kind: sshconn.KindTransferError, Op: "download", Host: host, Err: fmt.Errorf("open sftp subsystem: %w", err)}
	}
	defer client.Close()

	src, err := client.Open(req.RemotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, sshconn.Errorf(sshconn.KindPathNotFound, "download", host, "Remote file %s does not exist", req.RemotePath)
		}
		return nil, &sshconn.Error{Kind: sshconn.KindTransferError, Op: "download", Host: host, Err: fmt.Errorf("open %s: %w", req.RemotePath, err)}
	}
	defer src.Close()
	if info, serr := src.Stat(); serr == nil && info.IsDir() {
		return nil, sshconn.Errorf(sshconn.KindInvalidRequest, "download", host, "Remote path %s is a directory", req.RemotePath)
	}

	dst, err := e.downloads.Create(name)
	if err != nil {
		return nil, &sshconn.Error{Kind: sshconn.KindTransferError, Op: "download", Host: host, Err: err}
	}
	job.LocalPath = dst.Name()

	job.setStatus(StatusTransferring)
	start := time.Now()
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst.Name())
		return nil, transferFailure(ctx, "download", host, fmt.Errorf("read %s: %w", req.RemotePath, err))
	}
	job.Size = n

	e.logger.Info().Str("job", job.ID).Str("target", req.Target.String()).Str("remote", req.RemotePath).
		Int64("bytes", n).Dur("elapsed", time.Since(start)).Msg("download complete")
	return &DownloadResult{Job: job, LocalPath: dst.Name(), Name: name, Size: n}, nil
}
