// Package history persists the append-only record of every call: the
// conversation, menus observed, digits pressed, transfers, and terminations.
//
// Two backends implement [Store]: SQLite for single-node deployments and
// PostgreSQL when a DSN is configured. The rest of the system writes through
// the asynchronous [Sink] and treats the store as best-effort — a failed
// write never blocks or fails a call turn.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dialtree/dialtree/internal/callstate"
)

// ErrNotFound is returned for call IDs with no history entry.
var ErrNotFound = errors.New("history: call not found")

// Call statuses. InProgress until a terminal carrier status or a local
// termination closes the record.
const (
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusBusy       = "busy"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
	StatusTerminated = "terminated"
)

// TerminalStatuses are the carrier statuses that close a call record.
var TerminalStatuses = map[string]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusBusy:      true,
	StatusNoAnswer:  true,
	StatusCanceled:  true,
}

// EventType tags one entry of a call's event stream.
type EventType string

const (
	EventConversation EventType = "conversation"
	EventDTMF         EventType = "dtmf"
	EventMenu         EventType = "menu"
	EventTransfer     EventType = "transfer"
	EventTermination  EventType = "termination"
)

// Event is one entry of the ordered per-call event stream. Which fields are
// meaningful depends on Type; the rest stay zero.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`

	// Conversation events.
	Role callstate.Role `json:"role,omitempty"`
	Text string         `json:"text,omitempty"`

	// DTMF events.
	Digit string `json:"digit,omitempty"`

	// Menu events.
	Options callstate.Menu `json:"options,omitempty"`

	// Transfer events.
	TransferTo string `json:"transfer_to,omitempty"`

	// Termination events.
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// ConversationEvent builds a conversation entry.
func ConversationEvent(role callstate.Role, text string, at time.Time) Event {
	return Event{Type: EventConversation, Time: at, Role: role, Text: text}
}

// DTMFEvent builds a digit-press entry.
func DTMFEvent(digit string, at time.Time) Event {
	return Event{Type: EventDTMF, Time: at, Digit: digit}
}

// MenuEvent builds a menu-observed entry.
func MenuEvent(options callstate.Menu, at time.Time) Event {
	return Event{Type: EventMenu, Time: at, Options: options}
}

// TransferEvent builds a transfer-dialed entry.
func TransferEvent(to string, at time.Time) Event {
	return Event{Type: EventTransfer, Time: at, TransferTo: to}
}

// TerminationEvent builds a termination entry.
func TerminationEvent(reason, message string, at time.Time) Event {
	return Event{Type: EventTermination, Time: at, Reason: reason, Message: message}
}

// encodePayload serializes an event for storage, omitting the envelope
// columns that live in their own table columns.
func encodePayload(ev Event) (string, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("history: encode event: %w", err)
	}
	return string(raw), nil
}

// decodePayload restores an event from its stored form.
func decodePayload(raw string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, fmt.Errorf("history: decode event: %w", err)
	}
	return ev, nil
}

// StartCallParams identifies a call record at creation time.
type StartCallParams struct {
	CallID    string
	To        string
	From      string
	Purpose   string
	StartedAt time.Time
}

// Record is one call's full history.
type Record struct {
	CallID  string `json:"call_id"`
	To      string `json:"to"`
	From    string `json:"from"`
	Purpose string `json:"purpose"`
	Status  string `json:"status"`

	// TransferSuccess is nil until a transfer-status callback lands.
	TransferSuccess *bool `json:"transfer_success,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Events []Event `json:"events"`
}

// Store is the durable call-history backend. Implementations must tolerate
// out-of-order writes: status and transfer callbacks may land before or
// after speech turns, and events for unknown call IDs create the record
// implicitly.
type Store interface {
	// StartCall upserts the call record; repeated calls refresh the
	// identifying fields without dropping accumulated events.
	StartCall(ctx context.Context, p StartCallParams) error

	// AddEvent appends one event to the call's stream.
	AddEvent(ctx context.Context, callID string, ev Event) error

	// SetStatus records the carrier or local status.
	SetStatus(ctx context.Context, callID, status string) error

	// SetTransferSuccess records the transfer leg outcome.
	SetTransferSuccess(ctx context.Context, callID string, success bool) error

	// EndCall closes the record with a final status and end time.
	EndCall(ctx context.Context, callID, status string, at time.Time) error

	// GetCall loads one record with its full event stream.
	GetCall(ctx context.Context, callID string) (Record, error)

	// ListCalls returns the most recent records, newest first, without
	// event streams.
	ListCalls(ctx context.Context, limit int) ([]Record, error)

	// Close releases the backend.
	Close() error
}
