// Package rules declares the contract of the external rules engine. The
// coordination layer treats positions as opaque blobs: it never inspects
// them, only overwrites them wholesale with what the engine returns.
package rules

import "context"

// Move is the caller-supplied description of one move.
type Move struct {
	Notation string `json:"notation"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// Terminal classifies a position's end state.
type Terminal string

const (
	TerminalNone      Terminal = "none"
	TerminalCheckmate Terminal = "checkmate"
	TerminalDraw      Terminal = "draw"
)

// Engine validates and applies moves. A rejection is returned as an error;
// the session manager surfaces it as a validation failure and leaves the
// session untouched.
type Engine interface {
	ApplyMove(ctx context.Context, position string, move Move) (string, error)
	IsTerminal(ctx context.Context, position string) (Terminal, error)
	LegalDestinations(ctx context.Context, position string, square string) ([]string, error)
}
