package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/opsgate/internal/logutil"
	"github.com/gluk-w/opsgate/internal/middleware"
	"github.com/gluk-w/opsgate/internal/sshaudit"
	"github.com/gluk-w/opsgate/internal/sshconn"
	"github.com/gluk-w/opsgate/internal/sshtransfer"
)

// maxFormField bounds a non-file multipart field.
const maxFormField = 64 * 1024

type uploadData struct {
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	RemotePath   string `json:"remotePath"`
	Server       string `json:"server"`
}

type uploadResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Data    uploadData `json:"data"`
}

// UploadFile stages the multipart "file" part locally and transfers it to
// remotePath on the target host. The staged copy is removed whatever the
// outcome.
// POST /api/v1/gateway/upload
func UploadFile(w http.ResponseWriter, r *http.Request) {
	if Transfers == nil || Uploads == nil {
		writeError(w, http.StatusServiceUnavailable, "Transfer engine not initialized")
		return
	}
	if MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+maxFormField*8)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failure{Message: "Expected a multipart/form-data body", Error: string(sshconn.KindInvalidRequest)})
		return
	}

	var (
		fields       = map[string]string{}
		stagedPath   string
		originalName string
	)
	defer func() {
		if stagedPath != "" {
			os.Remove(stagedPath)
		}
	}()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeUploadReadError(w, err)
			return
		}
		name := part.FormName()
		if name == "file" && part.FileName() != "" {
			if stagedPath != "" {
				part.Close()
				continue
			}
			originalName = sshtransfer.SafeName(part.FileName())
			stagedPath, _, err = Uploads.Stage(part.FileName(), part, MaxUploadBytes)
			part.Close()
			if err != nil {
				writeUploadReadError(w, err)
				return
			}
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, maxFormField))
		part.Close()
		if err != nil {
			writeUploadReadError(w, err)
			return
		}
		fields[name] = string(value)
	}

	treq := targetRequest{IP: fields["ip"], Username: fields["username"], SSHKey: fields["sshKey"]}
	if p := strings.TrimSpace(fields["port"]); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			writeFailure(w, sshconn.Errorf(sshconn.KindInvalidRequest, "upload", "", "invalid port %q", p))
			return
		}
		treq.Port = port
	}
	target, err := treq.target()
	if err != nil {
		writeFailure(w, err)
		return
	}

	remotePath := strings.TrimSpace(fields["remotePath"])
	ctx := r.Context()
	res, err := Transfers.Upload(ctx, sshtransfer.UploadRequest{
		LocalPath:    stagedPath,
		RemotePath:   remotePath,
		OriginalName: originalName,
		Target:       target,
	})
	stagedPath = ""
	if err != nil {
		log.Info().Err(err).Str("target", target.String()).Str("remote", logutil.SanitizeForLog(remotePath)).Msg("upload failed")
		writeFailure(w, err)
		return
	}

	sshaudit.LogTransfer(sshaudit.EventFileUpload, target, middleware.Operator(ctx), middleware.SourceIP(ctx), res.RemotePath, res.Size)
	writeJSON(w, http.StatusOK, uploadResponse{
		Success: true,
		Message: fmt.Sprintf("File uploaded successfully to %s", res.RemotePath),
		Data: uploadData{
			OriginalName: originalName,
			Size:         res.Size,
			RemotePath:   res.RemotePath,
			Server:       res.Server,
		},
	})
}

func writeUploadReadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.Is(err, sshtransfer.ErrTooLarge) || errors.As(err, &maxErr) {
		writeJSON(w, http.StatusRequestEntityTooLarge, failure{
			Message: fmt.Sprintf("File exceeds the maximum upload size of %s", units.HumanSize(float64(MaxUploadBytes))),
			Error:   string(sshconn.KindInvalidRequest),
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, failure{Message: "Failed to read upload: " + err.Error(), Error: string(sshconn.KindInvalidRequest)})
}

type downloadRequest struct {
	targetRequest
	RemotePath    string `json:"remotePath"`
	LocalFilename string `json:"localFilename,omitempty"`
}

// DownloadFile fetches a remote file into the download staging area, streams
// it as the response body and removes the local copy.
// POST /api/v1/gateway/download
func DownloadFile(w http.ResponseWriter, r *http.Request) {
	if Transfers == nil {
		writeError(w, http.StatusServiceUnavailable, "Transfer engine not initialized")
		return
	}

	var req downloadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure{Message: "Invalid JSON body", Error: string(sshconn.KindInvalidRequest)})
		return
	}
	target, err := req.target()
	if err != nil {
		writeFailure(w, err)
		return
	}

	ctx := r.Context()
	res, err := Transfers.Download(ctx, sshtransfer.DownloadRequest{
		RemotePath:    req.RemotePath,
		LocalFilename: req.LocalFilename,
		Target:        target,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	defer func() {
		if err := res.Remove(); err != nil {
			log.Warn().Err(err).Str("path", res.LocalPath).Msg("failed to remove downloaded file")
		}
	}()

	f, err := os.Open(res.LocalPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Downloaded file unavailable")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.Name}))
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		log.Info().Err(err).Str("remote", logutil.SanitizeForLog(req.RemotePath)).Msg("download send interrupted")
		return
	}
	sshaudit.LogTransfer(sshaudit.EventFileDownload, target, middleware.Operator(ctx), middleware.SourceIP(ctx), req.RemotePath, res.Size)
}

// ListUploads returns the files currently held in the upload staging area.
// GET /api/v1/gateway/uploads
func ListUploads(w http.ResponseWriter, r *http.Request) {
	if Uploads == nil {
		writeError(w, http.StatusServiceUnavailable, "Upload staging not initialized")
		return
	}
	files, err := Uploads.Inventory()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "files": files})
}
