// Package sshterminal bridges a message-oriented duplex channel (a WebSocket)
// to a PTY shell on a remote host.
//
// # Session lifecycle
//
//	INIT -> AWAIT_HANDSHAKE -> CONNECTING -> SHELL_READY -> STREAMING -> CLOSED
//
// The first inbound message is a JSON handshake naming the target:
//
//	{"ip": "10.0.0.5", "username": "deploy", "sshKey": "-----BEGIN ...", "cols": 120, "rows": 40}
//
// A handshake may instead carry a "sessionId" issued by [TicketStore], which
// stands in for the target fields. A malformed or incomplete handshake gets a
// single text error frame and the channel is closed without dialing.
//
// Once streaming, every inbound message is tried as JSON first. An object
// with "resize": true and positive cols/rows resizes the PTY and forwards no
// bytes; anything else is written to the shell's stdin unchanged. Shell
// stdout and stderr are relayed as binary frames in the order they arrive.
//
// Closing either side closes the other. There is no reconnection buffering:
// output produced while no channel is attached is lost.
package sshterminal
