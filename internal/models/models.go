// Package models holds the document shapes persisted through the store:
// sessions, tournaments, rounds, matchmaking tickets, and signaling state.
package models

import (
	"fmt"
	"time"
)

// Mode selects how a session is persisted and who sits in its slots.
// It is decided once at creation; local modes never touch the shared store.
type Mode string

const (
	ModeNetworked    Mode = "networked"
	ModeLocal        Mode = "local_pass_and_play"
	ModeVsComputer   Mode = "vs_computer"
	ModeDeviceLinked Mode = "device_linked"
)

// Shared reports whether sessions of this mode live in the shared store.
func (m Mode) Shared() bool {
	return m == ModeNetworked || m == ModeDeviceLinked
}

// Slot is one of the two fixed seats in a session. Slot A moves first.
type Slot string

const (
	SlotA Slot = "a"
	SlotB Slot = "b"
)

// Other returns the opposing slot.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// SessionStatus is the monotonic lifecycle state of a session.
type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionActive   SessionStatus = "active"
	SessionFinished SessionStatus = "finished"
)

// Reason explains how a finished session ended.
type Reason string

const (
	ReasonCheckmate   Reason = "checkmate"
	ReasonDraw        Reason = "draw"
	ReasonAgreedDraw  Reason = "agreed_draw"
	ReasonResignation Reason = "resignation"
	ReasonTimeout     Reason = "timeout"
	ReasonAdmin       Reason = "admin_decision"
)

// UnlimitedTime is the base-seconds sentinel that disables clock expiry.
const UnlimitedTime = 0

// MoveRecord is one entry of the append-only move log.
type MoveRecord struct {
	Notation       string  `json:"notation"`
	From           string  `json:"from"`
	To             string  `json:"to"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	Seq            int     `json:"seq"`
}

// Clock holds each slot's stored remaining time. Remaining time for the
// slot on move is derived, not ticked; see session.Remaining.
type Clock struct {
	BaseSeconds int              `json:"baseSeconds"`
	Remaining   map[Slot]float64 `json:"remaining"`
}

// Unlimited reports whether this clock never expires.
func (c Clock) Unlimited() bool { return c.BaseSeconds == UnlimitedTime }

// NewClock allots base seconds to both slots.
func NewClock(baseSeconds int) Clock {
	return Clock{
		BaseSeconds: baseSeconds,
		Remaining: map[Slot]float64{
			SlotA: float64(baseSeconds),
			SlotB: float64(baseSeconds),
		},
	}
}

// Result is present only on finished sessions. A nil Winner means draw.
type Result struct {
	Winner *Slot  `json:"winner"`
	Reason Reason `json:"reason"`
}

// PendingOffers tracks in-flight draw and rematch offers.
type PendingOffers struct {
	DrawBy           *Slot  `json:"drawBy,omitempty"`
	RematchBy        *Slot  `json:"rematchBy,omitempty"`
	RematchSessionID string `json:"rematchSessionId,omitempty"`
}

// TournamentRef links a session back to the tournament match it decides.
type TournamentRef struct {
	TournamentID string `json:"tournamentId"`
	Round        int    `json:"round"`
}

// Session is one game instance. Participants are identity strings; an empty
// string is an open slot.
type Session struct {
	ID           string         `json:"id"`
	Mode         Mode           `json:"mode"`
	PlayerA      string         `json:"playerA"`
	PlayerB      string         `json:"playerB"`
	Position     string         `json:"position"`
	InitialPos   string         `json:"initialPosition"`
	Moves        []MoveRecord   `json:"moves"`
	Clock        Clock          `json:"clock"`
	LastActionAt time.Time      `json:"lastActionAt"`
	Status       SessionStatus  `json:"status"`
	Result       *Result        `json:"result,omitempty"`
	Offers       PendingOffers  `json:"offers"`
	Tournament   *TournamentRef `json:"tournament,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Player returns the identity seated in the given slot.
func (s *Session) Player(slot Slot) string {
	if slot == SlotA {
		return s.PlayerA
	}
	return s.PlayerB
}

// SeatOf returns the slot an identity occupies, if any.
func (s *Session) SeatOf(identity string) (Slot, bool) {
	switch identity {
	case "":
		return "", false
	case s.PlayerA:
		return SlotA, true
	case s.PlayerB:
		return SlotB, true
	}
	return "", false
}

// Turn returns the slot on move: A on even ply, B on odd.
func (s *Session) Turn() Slot {
	if len(s.Moves)%2 == 0 {
		return SlotA
	}
	return SlotB
}

// Ticket is a pending quick-match request. Tickets are created and deleted,
// never mutated.
type Ticket struct {
	ID          string    `json:"id"`
	Requester   string    `json:"requester"`
	TimeControl int       `json:"timeControl"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TournamentStatus is the lifecycle state of a tournament.
type TournamentStatus string

const (
	TournamentForming   TournamentStatus = "forming"
	TournamentRunning   TournamentStatus = "running"
	TournamentCompleted TournamentStatus = "completed"
)

// Tournament is the bracket container. Scores accrue in 0.5 increments.
type Tournament struct {
	ID           string             `json:"id"`
	Host         string             `json:"host"`
	Players      []string           `json:"players"`
	Scores       map[string]float64 `json:"scores"`
	Status       TournamentStatus   `json:"status"`
	CurrentRound int                `json:"currentRound"`
	MaxRounds    int                `json:"maxRounds"`
	Winner       string             `json:"winner,omitempty"`
	TimeControl  int                `json:"timeControl"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// MatchStatus is the lifecycle state of a single tournament match.
type MatchStatus string

const (
	MatchRunning   MatchStatus = "running"
	MatchCompleted MatchStatus = "completed"
)

// Match pairs two players within a round. A bye has no opponent, no session,
// and is completed at creation. A completed match with an empty Winner is a
// draw.
type Match struct {
	ID        string      `json:"id"`
	PlayerA   string      `json:"playerA"`
	PlayerB   string      `json:"playerB,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Status    MatchStatus `json:"status"`
	Winner    string      `json:"winner,omitempty"`
	IsBye     bool        `json:"isBye"`
}

// RoundStatus is the lifecycle state of a tournament round.
type RoundStatus string

const (
	RoundRunning   RoundStatus = "running"
	RoundCompleted RoundStatus = "completed"
)

// Round groups the matches of one tournament round. Matches are embedded so
// completion checks and score credits read a single document.
type Round struct {
	TournamentID string      `json:"tournamentId"`
	Index        int         `json:"index"`
	Status       RoundStatus `json:"status"`
	Matches      []Match     `json:"matches"`
}

// Candidate is one connection-handshake candidate, tagged with its origin
// slot. Payload equality is the dedup key.
type Candidate struct {
	Slot    Slot   `json:"slot"`
	Payload string `json:"payload"`
}

// SignalDoc is one slot's half of the signaling exchange. Each document has
// exactly one writer, so plain puts are safe.
type SignalDoc struct {
	SessionID  string      `json:"sessionId"`
	Slot       Slot        `json:"slot"`
	Offer      string      `json:"offer,omitempty"`
	Answer     string      `json:"answer,omitempty"`
	Candidates []Candidate `json:"candidates"`
}

// Document key layout. Everything coordination-related lives under these
// prefixes so prefix subscriptions can observe whole collections.
const (
	SessionPrefix    = "session:"
	TicketPrefix     = "ticket:"
	TournamentPrefix = "tournament:"
)

// SessionKey returns the store key for a session document.
func SessionKey(id string) string { return SessionPrefix + id }

// TicketKey returns the store key for a ticket document.
func TicketKey(id string) string { return TicketPrefix + id }

// TournamentKey returns the store key for a tournament document.
func TournamentKey(id string) string { return TournamentPrefix + id }

// RoundKey returns the store key for a round document.
func RoundKey(tournamentID string, index int) string {
	return fmt.Sprintf("round:%s:%d", tournamentID, index)
}

// SignalKey returns the store key for one slot's signaling document.
func SignalKey(sessionID string, slot Slot) string {
	return fmt.Sprintf("signal:%s:%s", sessionID, slot)
}
