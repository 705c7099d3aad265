package sshterminal

import "time"

const (
	// MaxInputMessageSize bounds a single inbound message. Larger messages
	// are dropped.
	MaxInputMessageSize = 64 * 1024

	MaxCols = 500
	MaxRows = 500

	DefaultCols = 80
	DefaultRows = 24

	// Pixel size of one character cell, used for window-change hints.
	CellWidth  = 8
	CellHeight = 16

	DefaultHandshakeTimeout = 30 * time.Second
	DefaultInputRate        = 200
	DefaultInputBurst       = 200
)

// clampSize applies defaults to non-positive dimensions and caps the rest.
func clampSize(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return min(cols, MaxCols), min(rows, MaxRows)
}
