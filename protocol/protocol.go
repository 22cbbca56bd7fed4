// Package protocol defines the real-time events exchanged between players and
// the broker. Every frame is an Envelope whose Data is decoded according to Event.
package protocol

import (
	json "github.com/goccy/go-json"
)

// Client -> server events.
const (
	FindOpponent = "find-opponent"
	StateUpdate  = "state-update"
	Finish       = "finish"
)

// Server -> client events. StateUpdate is used in both directions.
const (
	WaitingForOpponent = "waiting-for-opponent"
	OpponentFound      = "opponent-found"
	SessionResult      = "session-result"
	SessionEnded       = "session-ended"
	QueueTimeout       = "queue-timeout"
	OpponentLeft       = "opponent-left"
	Error              = "error"
)

// Reasons carried by SessionEnded.
const (
	ReasonOpponentDisconnected = "opponent-disconnected"
	ReasonResultNotRecorded    = "result-not-recorded"
)

// Envelope wraps every frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type FindOpponentMsg struct {
	DisplayName string `json:"displayName"`
}

type StateUpdateMsg struct {
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

type FinishMsg struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
	Score       *int   `json:"score"`
}

type WaitingMsg struct{}

type OpponentFoundMsg struct {
	OpponentName string `json:"opponentName"`
	SessionID    string `json:"sessionId"`
}

// RelayedStateMsg is the server -> client form of a state update.
type RelayedStateMsg struct {
	Payload json.RawMessage `json:"payload"`
}

type SessionResultMsg struct {
	SessionID   string `json:"sessionId"`
	WinnerName  string `json:"winnerName"`
	LoserName   string `json:"loserName"`
	WinnerScore int    `json:"winnerScore"`
	LoserScore  int    `json:"loserScore"`
}

type SessionEndedMsg struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// OpponentLeftMsg tells the remaining participant that the peer forfeited.
type OpponentLeftMsg struct {
	SessionID    string `json:"sessionId"`
	OpponentName string `json:"opponentName"`
}

type QueueTimeoutMsg struct {
	WaitedMs int64 `json:"waitedMs"`
}

type ErrorMsg struct {
	Message string `json:"message"`
}

// ServerMsg is an outbound event before encoding.
type ServerMsg struct {
	Event string
	Data  any
}
