package handlers

import (
	"net/http"

	"github.com/gluk-w/opsgate/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		if sqlDB, err := database.DB.DB(); err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	resp := map[string]interface{}{
		"status":   status,
		"database": dbStatus,
	}
	if Sessions != nil {
		resp["terminal_sessions"] = Sessions.Len()
	}
	if Tickets != nil {
		resp["terminal_tickets"] = Tickets.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}
