package handlers

import (
	"net/http"
	"strings"

	"github.com/gluk-w/opsgate/internal/middleware"
	"github.com/gluk-w/opsgate/internal/sshaudit"
	"github.com/gluk-w/opsgate/internal/sshconn"
	"github.com/gluk-w/opsgate/internal/sshfiles"
)

type listFilesRequest struct {
	targetRequest
	Path string `json:"path"`
}

type listFilesResponse struct {
	Success bool                       `json:"success"`
	Path    string                     `json:"path"`
	Files   []sshfiles.RemoteFileEntry `json:"files"`
	Skipped int                        `json:"skipped"`
}

// ListFiles lists a remote directory.
// POST /api/v1/gateway/list-files
func ListFiles(w http.ResponseWriter, r *http.Request) {
	if Opener == nil {
		writeError(w, http.StatusServiceUnavailable, "SSH broker not initialized")
		return
	}

	var req listFilesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure{Message: "Invalid JSON body", Error: string(sshconn.KindInvalidRequest)})
		return
	}
	dir := strings.TrimSpace(req.Path)
	if dir == "" {
		writeFailure(w, sshconn.Errorf(sshconn.KindInvalidRequest, "list", "", "missing required fields: path"))
		return
	}
	target, err := req.target()
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := target.Validate(); err != nil {
		writeFailure(w, err)
		return
	}

	ctx := r.Context()
	conn, err := Opener.Open(ctx, target, Profile.Validate)
	if err != nil {
		writeFailure(w, err)
		return
	}
	defer conn.Close()

	listing, err := sshfiles.List(ctx, conn, dir, Profile.Validate.ReadyTimeout)
	if err != nil {
		writeFailure(w, err)
		return
	}

	sshaudit.LogTransfer(sshaudit.EventDirectoryList, target, middleware.Operator(ctx), middleware.SourceIP(ctx), dir, 0)
	writeJSON(w, http.StatusOK, listFilesResponse{
		Success: true,
		Path:    listing.Path,
		Files:   listing.Files,
		Skipped: listing.Skipped,
	})
}
