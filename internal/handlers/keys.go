package handlers

import (
	"net/http"
	"time"
)

type keyInfo struct {
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	PublicKey   string    `json:"publicKey"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListKeys returns the stored keys that can be referenced as "keys/<name>".
// Private key material never leaves the store.
// GET /api/v1/gateway/keys
func ListKeys(w http.ResponseWriter, r *http.Request) {
	if Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "Key store not initialized")
		return
	}
	stored, err := Keys.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list keys")
		return
	}
	keys := make([]keyInfo, 0, len(stored))
	for _, k := range stored {
		keys = append(keys, keyInfo{Name: k.Name, Fingerprint: k.Fingerprint, PublicKey: k.PublicKey, CreatedAt: k.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}
