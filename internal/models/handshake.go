// Package models defines the handshake and chat types shared by the
// engine, the credential layer and the CLI.
package models

import (
	"strings"
	"time"
)

// HandshakeStatus is the server-side lifecycle state of a handshake.
type HandshakeStatus string

const (
	StatusPending   HandshakeStatus = "pending"
	StatusAccepted  HandshakeStatus = "accepted"
	StatusCompleted HandshakeStatus = "completed"
	StatusDenied    HandshakeStatus = "denied"
	StatusCancelled HandshakeStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s HandshakeStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusCompleted, StatusDenied, StatusCancelled:
		return true
	}

	return false
}

// Terminal reports whether no further transitions leave s.
func (s HandshakeStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDenied || s == StatusCancelled
}

// rank orders the main line pending -> accepted -> completed.
func (s HandshakeStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusAccepted:
		return 1
	case StatusCompleted:
		return 2
	}

	return -1
}

// CanAdvance reports whether a client-side edit may move a conversation
// from one status to another. The main line only moves forward; denied
// and cancelled are only reachable from pending. Staying put is allowed.
func CanAdvance(from, to HandshakeStatus) bool {
	if from == to {
		return true
	}

	if from.Terminal() {
		return false
	}

	switch to {
	case StatusDenied, StatusCancelled:
		return from == StatusPending
	case StatusAccepted, StatusCompleted:
		return to.rank() > from.rank()
	}

	return false
}

// Role is the viewing party's side of a handshake.
type Role string

const (
	RoleProvider Role = "provider"
	RoleReceiver Role = "receiver"
)

// Party is the other user in a conversation.
type Party struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ServiceRef points at the listing being negotiated.
type ServiceRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MessageSummary is the denormalized last message shown in lists.
type MessageSummary struct {
	Body      string    `json:"body"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the client view of one handshake.
type Conversation struct {
	HandshakeID string          `json:"handshake_id"`
	Counterpart Party           `json:"counterpart"`
	Service     ServiceRef      `json:"service"`
	Status      HandshakeStatus `json:"status"`
	IsProvider  bool            `json:"is_provider"`

	ExactLocation string     `json:"exact_location,omitempty"`
	ExactDuration float64    `json:"exact_duration,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`

	ProviderConfirmedComplete bool `json:"provider_confirmed_complete"`
	ReceiverConfirmedComplete bool `json:"receiver_confirmed_complete"`
	ProviderInitiated         bool `json:"provider_initiated"`
	UserHasReviewed           bool `json:"user_has_reviewed"`

	LastMessage *MessageSummary `json:"last_message,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Role returns the viewing party's role.
func (c Conversation) Role() Role {
	if c.IsProvider {
		return RoleProvider
	}

	return RoleReceiver
}

// SelfConfirmed reports whether the viewing party already confirmed
// completion.
func (c Conversation) SelfConfirmed() bool {
	if c.IsProvider {
		return c.ProviderConfirmedComplete
	}

	return c.ReceiverConfirmedComplete
}

// BothConfirmed reports whether both completion flags are set.
func (c Conversation) BothConfirmed() bool {
	return c.ProviderConfirmedComplete && c.ReceiverConfirmedComplete
}

// LastActivity is the timestamp used to order conversations.
func (c Conversation) LastActivity() time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}

	return c.UpdatedAt
}

// Clone returns a deep copy so callers can hold snapshots while the
// synchronizer keeps mutating its own records.
func (c Conversation) Clone() Conversation {
	out := c

	if c.ScheduledTime != nil {
		t := *c.ScheduledTime
		out.ScheduledTime = &t
	}

	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}

	return out
}

// TempIDPrefix marks client-generated message ids awaiting confirmation.
const TempIDPrefix = "temp-"

// Message is one chat message in a handshake conversation.
type Message struct {
	ID          string    `json:"id"`
	HandshakeID string    `json:"handshake_id"`
	SenderID    string    `json:"sender_id"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

// Temporary reports whether the message is an unconfirmed local
// placeholder.
func (m Message) Temporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Summary converts the message into a list summary.
func (m Message) Summary() *MessageSummary {
	return &MessageSummary{Body: m.Body, SenderID: m.SenderID, CreatedAt: m.CreatedAt}
}

// InitiateDetails are the negotiation fields the provider proposes.
type InitiateDetails struct {
	ExactLocation string    `json:"exact_location"`
	ExactDuration float64   `json:"exact_duration"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

// Reputation is the receiver's feedback after completion.
type Reputation struct {
	Punctual bool   `json:"punctual"`
	Helpful  bool   `json:"helpful"`
	Kind     bool   `json:"kind"`
	Comment  string `json:"comment,omitempty"`
}

// Profile is the subset of the current user's profile the engine needs.
type Profile struct {
	ID      string  `json:"id"`
	Balance float64 `json:"timebank_balance"`
}
