package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/opsgate/internal/middleware"
	"github.com/gluk-w/opsgate/internal/sshterminal"
)

// terminalReadLimit caps a single WebSocket message. The bridge drops input
// messages above sshterminal.MaxInputMessageSize; anything above this closes
// the socket.
const terminalReadLimit = 1024 * 1024

// TerminalWS bridges a WebSocket to a remote PTY shell.
//
// The first message is the JSON handshake, unless the "sessionId" query
// parameter names a ticket from CreateTerminalTicket.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	if Terminal == nil {
		writeError(w, http.StatusServiceUnavailable, "Terminal bridge not initialized")
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to accept terminal websocket")
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(terminalReadLimit)

	ctx := r.Context()
	err = Terminal.Serve(ctx, &wsChannel{conn: clientConn}, sshterminal.ServeOptions{
		TicketID:   r.URL.Query().Get("sessionId"),
		Operator:   middleware.Operator(ctx),
		RemoteAddr: middleware.SourceIP(ctx),
	})
	if err != nil {
		log.Debug().Err(err).Msg("terminal session did not start")
	}
}

// wsChannel adapts a WebSocket to sshterminal.Channel.
type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsChannel) WriteBinary(ctx context.Context, p []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, p)
}

func (c *wsChannel) WriteText(ctx context.Context, s string) error {
	return c.conn.Write(ctx, websocket.MessageText, []byte(s))
}

func (c *wsChannel) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

type ticketResponse struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateTerminalTicket validates a handshake without dialing and stores it as
// a ticket that a WebSocket can present instead of key material.
// POST /api/v1/gateway/terminal/tickets
func CreateTerminalTicket(w http.ResponseWriter, r *http.Request) {
	if Tickets == nil {
		writeError(w, http.StatusServiceUnavailable, "Terminal tickets not enabled")
		return
	}

	var req sshterminal.Handshake
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure{Message: "Invalid JSON body", Error: "HandshakeMalformed"})
		return
	}
	resolved, err := targetRequest{IP: req.IP, Port: req.Port, Username: req.Username, SSHKey: req.SSHKey}.target()
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := resolved.Validate(); err != nil {
		writeFailure(w, err)
		return
	}

	// The ticket keeps the key reference; the bridge resolves it on redemption.
	target := resolved
	target.KeyMaterial = req.SSHKey
	ticket, err := Tickets.Issue(target, req.Cols, req.Rows, middleware.Operator(r.Context()))
	if errors.Is(err, sshterminal.ErrTicketStoreFull) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ticketResponse{Success: true, SessionID: ticket.ID, ExpiresAt: ticket.ExpiresAt})
}

// RevokeTerminalTicket deletes a ticket.
// DELETE /api/v1/gateway/terminal/tickets/{sessionId}
func RevokeTerminalTicket(w http.ResponseWriter, r *http.Request) {
	if Tickets == nil || !Tickets.Revoke(chi.URLParam(r, "sessionId")) {
		writeError(w, http.StatusNotFound, "Ticket not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTerminalSessions returns live terminal sessions.
// GET /api/v1/gateway/terminal/sessions
func ListTerminalSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []sshterminal.SessionInfo{}
	if Sessions != nil {
		sessions = Sessions.List()
	}
	writeJSON(w, http.StatusOK, map[string][]sshterminal.SessionInfo{"sessions": sessions})
}

// TerminateTerminalSession closes a live terminal session and its socket.
// DELETE /api/v1/gateway/terminal/sessions/{sessionId}
func TerminateTerminalSession(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil || !Sessions.Terminate(chi.URLParam(r, "sessionId")) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
