// Package socket abstracts a single device connection to the messaging network.
package socket

import (
	"context"
	"time"
)

type Connection string

const (
	Connecting Connection = "connecting"
	Open       Connection = "open"
	Closed     Connection = "close"
)

type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonConnectionLost
	ReasonConnectionClosed
	ReasonTimedOut
	ReasonReplaced
	ReasonRestartRequired
	ReasonLoggedOut
	ReasonBanned
)

var reasonNames = map[DisconnectReason]string{
	ReasonUnknown:          "unknown",
	ReasonConnectionLost:   "connection_lost",
	ReasonConnectionClosed: "connection_closed",
	ReasonTimedOut:         "timed_out",
	ReasonReplaced:         "replaced",
	ReasonRestartRequired:  "restart_required",
	ReasonLoggedOut:        "logged_out",
	ReasonBanned:           "banned",
}

func (r DisconnectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal reports whether the stored credentials are no longer usable.
func (r DisconnectReason) IsTerminal() bool {
	return r == ReasonLoggedOut || r == ReasonBanned
}

// Event is one of ConnectionUpdate, CredentialsUpdate, MessagesUpsert,
// ContactsUpdate or GroupsUpdate.
type Event interface {
	eventName() string
}

type ConnectionUpdate struct {
	Connection Connection
	QR         string
	Reason     DisconnectReason
	Err        error
}

type CredentialsUpdate struct {
	SelfID string
}

type Message struct {
	ID        string
	Chat      string
	Sender    string
	Text      string
	FromMe    bool
	IsGroup   bool
	Mentioned bool
	Timestamp time.Time
}

type MessagesUpsert struct {
	Messages []Message
}

type ContactsUpdate struct {
	IDs []string
}

type GroupsUpdate struct {
	IDs []string
}

func (ConnectionUpdate) eventName() string  { return "connection.update" }
func (CredentialsUpdate) eventName() string { return "creds.update" }
func (MessagesUpsert) eventName() string    { return "messages.upsert" }
func (ContactsUpdate) eventName() string    { return "contacts.update" }
func (GroupsUpdate) eventName() string      { return "groups.update" }

// Name returns the wire-style name of an event for logging.
func Name(evt Event) string {
	return evt.eventName()
}

// Handler receives the events of one socket, sequentially and in emission order.
type Handler func(Event)

type Socket interface {
	SendMessage(ctx context.Context, to string, text string) error
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	// Logout unlinks the device from the account. The socket is unusable afterwards.
	Logout(ctx context.Context) error
	// End closes the connection without touching stored credentials.
	End()
	Registered() bool
	SelfID() string
}

// Snapshotter is implemented by sockets that can write a consistent copy of
// their credential store while connected.
type Snapshotter interface {
	SnapshotCredentials(ctx context.Context, destDir string) error
}

// Factory opens sockets whose credentials live under authDir.
type Factory interface {
	Open(ctx context.Context, authDir string, handler Handler) (Socket, error)
}
