package sshconn

import (
	"errors"
	"fmt"
)

// Kind classifies gateway failures. Local kinds (InvalidRequest,
// InvalidKeyFormat, KeyUnresolved, HandshakeMalformed) are detected before any
// network call; the rest originate from the remote side.
type Kind string

const (
	KindInvalidRequest     Kind = "InvalidRequest"
	KindInvalidKeyFormat   Kind = "InvalidKeyFormat"
	KindKeyUnresolved      Kind = "KeyUnresolved"
	KindHandshakeMalformed Kind = "HandshakeMalformed"
	KindAuthFailure        Kind = "AuthFailure"
	KindNetworkError       Kind = "NetworkError"
	KindTimeout            Kind = "Timeout"
	KindRateLimited        Kind = "RateLimited"
	KindPathNotFound       Kind = "PathNotFound"
	KindPathNotWritable    Kind = "PathNotWritable"
	KindExecError          Kind = "ExecError"
	KindTransferError      Kind = "TransferError"
	KindParseSkipped       Kind = "ParseSkipped"
)

// Local reports whether the kind is a client-side validation failure that
// never reached the network.
func (k Kind) Local() bool {
	switch k {
	case KindInvalidRequest, KindInvalidKeyFormat, KindKeyUnresolved, KindHandshakeMalformed:
		return true
	}
	return false
}

// Error is the typed error returned by every gateway component. It never
// carries key material.
type Error struct {
	Kind Kind
	Op   string // e.g. "open", "exec", "upload"
	Host string // host:port, empty for local errors
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Host != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Host, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the human-readable cause without op/host decoration, suitable
// for an API response body.
func (e *Error) Message() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, host, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Host: host, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
