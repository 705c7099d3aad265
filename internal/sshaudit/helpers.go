package sshaudit

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/opsgate/internal/sshconn"
)

func logEntry(entry AuditEntry) {
	if a := GetAuditor(); a != nil {
		a.Log(entry)
	}
}

// LogConnection logs a successful connection to target.
func LogConnection(target sshconn.Target, operator, sourceIP string) {
	logEntry(AuditEntry{
		EventType: EventConnectionEstablished,
		Host:      target.Addr(),
		Username:  target.Username,
		Operator:  operator,
		SourceIP:  sourceIP,
	})
}

// LogConnectionFailed logs a failed operation against target. Local
// validation failures are not logged; they never reached the network.
func LogConnectionFailed(target sshconn.Target, operator, sourceIP string, err error) {
	kind := sshconn.KindOf(err)
	if kind.Local() {
		return
	}
	logEntry(AuditEntry{
		EventType: EventConnectionFailed,
		Host:      target.Addr(),
		Username:  target.Username,
		Operator:  operator,
		SourceIP:  sourceIP,
		Details:   fmt.Sprintf("kind=%s error=%v", kind, err),
	})
}

// LogTerminalSessionStart logs the start of a terminal session.
func LogTerminalSessionStart(target sshconn.Target, operator, sourceIP, sessionID string) {
	logEntry(AuditEntry{
		EventType: EventTerminalSessionStart,
		Host:      target.Addr(),
		Username:  target.Username,
		Operator:  operator,
		SourceIP:  sourceIP,
		Details:   "session_id=" + sessionID,
	})
}

// LogTerminalSessionEnd logs the end of a terminal session.
func LogTerminalSessionEnd(target sshconn.Target, operator, sourceIP, sessionID string, duration time.Duration) {
	logEntry(AuditEntry{
		EventType:  EventTerminalSessionEnd,
		Host:       target.Addr(),
		Username:   target.Username,
		Operator:   operator,
		SourceIP:   sourceIP,
		Details:    "session_id=" + sessionID,
		DurationMs: duration.Milliseconds(),
	})
}

// LogTransfer logs a completed upload, download or listing.
func LogTransfer(event string, target sshconn.Target, operator, sourceIP, path string, size int64) {
	details := "path=" + path
	if event != EventDirectoryList {
		details += fmt.Sprintf(" size=%d", size)
	}
	logEntry(AuditEntry{
		EventType: event,
		Host:      target.Addr(),
		Username:  target.Username,
		Operator:  operator,
		SourceIP:  sourceIP,
		Details:   details,
	})
}

// LogKeyChange logs a stored key being imported or deleted.
func LogKeyChange(event, name, fingerprint string) {
	details := "name=" + name
	if fingerprint != "" {
		details += " fingerprint=" + fingerprint
	}
	logEntry(AuditEntry{EventType: event, Operator: "cli", Details: details})
}

// ExtractSourceIP extracts the client IP from an HTTP request,
// preferring X-Forwarded-For and X-Real-IP headers.
func ExtractSourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	// Fall back to remote address (strip port)
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
