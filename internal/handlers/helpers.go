package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gluk-w/opsgate/internal/sshconn"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// maxJSONBody bounds JSON request bodies. A PEM key is a few KB.
const maxJSONBody = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// failure is the error body of the gateway endpoints.
type failure struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// writeFailure maps err to an HTTP status and writes a failure body. The
// message is the user-facing cause; error is the failure kind.
func writeFailure(w http.ResponseWriter, err error) {
	var gwErr *sshconn.Error
	if !errors.As(err, &gwErr) {
		writeJSON(w, http.StatusInternalServerError, failure{Message: err.Error(), Error: "InternalError"})
		return
	}
	writeJSON(w, statusFor(gwErr.Kind), failure{Message: gwErr.Message(), Error: string(gwErr.Kind)})
}

func statusFor(kind sshconn.Kind) int {
	if kind.Local() {
		return http.StatusBadRequest
	}
	switch kind {
	case sshconn.KindPathNotFound:
		return http.StatusNotFound
	case sshconn.KindPathNotWritable:
		return http.StatusForbidden
	case sshconn.KindAuthFailure, sshconn.KindNetworkError:
		return http.StatusBadGateway
	case sshconn.KindTimeout:
		return http.StatusGatewayTimeout
	case sshconn.KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
