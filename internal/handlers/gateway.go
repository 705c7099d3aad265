package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gluk-w/opsgate/internal/credentials"
	"github.com/gluk-w/opsgate/internal/middleware"
	"github.com/gluk-w/opsgate/internal/sshaudit"
	"github.com/gluk-w/opsgate/internal/sshconn"
	"github.com/gluk-w/opsgate/internal/sshterminal"
	"github.com/gluk-w/opsgate/internal/sshtransfer"
)

// Set from main.go during init.
var (
	Opener         sshtransfer.Opener
	Profile        sshconn.Profile
	Transfers      *sshtransfer.Engine
	Uploads        *sshtransfer.Staging
	MaxUploadBytes int64
	Terminal       *sshterminal.Bridge
	Tickets        *sshterminal.TicketStore
	Sessions       *sshterminal.Registry
	Keys           *credentials.Store
)

// targetRequest holds the connection fields every gateway request carries.
type targetRequest struct {
	IP       string `json:"ip"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username"`
	SSHKey   string `json:"sshKey"`
}

// target resolves a stored-key reference and returns the connection target.
// Validation is left to the component that uses it.
func (t targetRequest) target() (sshconn.Target, error) {
	key := t.SSHKey
	if Keys != nil && strings.TrimSpace(key) != "" {
		resolved, err := Keys.Resolve(key)
		if err != nil {
			return sshconn.Target{}, err
		}
		key = resolved
	}
	return sshconn.Target{
		Host:        strings.TrimSpace(t.IP),
		Port:        t.Port,
		Username:    strings.TrimSpace(t.Username),
		KeyMaterial: key,
	}, nil
}

// AuditedOpener records every connection attempt made on behalf of a request
// in the audit log.
type AuditedOpener struct {
	Opener sshtransfer.Opener
}

func (o AuditedOpener) Open(ctx context.Context, target sshconn.Target, opts sshconn.Options) (*sshconn.Conn, error) {
	conn, err := o.Opener.Open(ctx, target, opts)
	operator, ip := middleware.Operator(ctx), middleware.SourceIP(ctx)
	if err != nil {
		sshaudit.LogConnectionFailed(target, operator, ip, err)
		return nil, err
	}
	sshaudit.LogConnection(target, operator, ip)
	return conn, nil
}

// auditObserver records terminal session start and end.
type auditObserver struct{}

func (auditObserver) SessionStarted(s *sshterminal.Session) {
	sshaudit.LogTerminalSessionStart(s.Target(), s.Operator, s.RemoteAddr, s.ID)
}

func (auditObserver) SessionEnded(s *sshterminal.Session, d time.Duration) {
	sshaudit.LogTerminalSessionEnd(s.Target(), s.Operator, s.RemoteAddr, s.ID, d)
}

// TerminalObserver is the sshterminal.Observer that writes audit events.
var TerminalObserver sshterminal.Observer = auditObserver{}
