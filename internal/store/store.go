// Package store defines the persistence interface for the support hub and
// provides SQLite and PostgreSQL implementations. It covers the session
// store, the assignment directory (customer profiles), the message store,
// staff profiles, and audit events.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// SessionKind distinguishes the two sides of a conversation.
type SessionKind string

const (
	KindCustomer SessionKind = "customer"
	KindStaff    SessionKind = "staff"
)

// Receiver identifies who a message is addressed to: a specific identity,
// or any staff member (the conversation has not been claimed yet). The
// zero value is AnyStaff.
type Receiver struct {
	id string
}

// AnyStaff returns the receiver meaning "not yet claimed by any specific
// staff member".
func AnyStaff() Receiver { return Receiver{} }

// ReceiverFor returns a receiver addressing a specific identity.
// An empty id yields AnyStaff.
func ReceiverFor(identityID string) Receiver { return Receiver{id: identityID} }

// IsAnyStaff reports whether the receiver is the unclaimed-staff variant.
func (r Receiver) IsAnyStaff() bool { return r.id == "" }

// IdentityID returns the specific identity and true, or ("", false) for
// AnyStaff.
func (r Receiver) IdentityID() (string, bool) { return r.id, r.id != "" }

func (r Receiver) String() string {
	if r.id == "" {
		return "any-staff"
	}
	return r.id
}

// MessageState is the delivery state of a message. States only move
// forward: Sent → Received → Viewed.
type MessageState int

const (
	StateSent MessageState = iota
	StateReceived
	StateViewed
)

func (s MessageState) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateReceived:
		return "received"
	case StateViewed:
		return "viewed"
	default:
		return "unknown"
	}
}

// Store is the persistence interface for the hub.
type Store interface {
	// Customer profiles (assignment directory)
	UpsertCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, identityID string) (*Customer, error)
	ListCustomers(ctx context.Context) ([]Customer, error)
	SetCustomerLastDisconnected(ctx context.Context, identityID string, at time.Time) error
	// AssignStaff sets assigned_staff_id if and only if it is currently
	// unset. Returns true when the claim was written; false when the row
	// was already assigned (or missing) — the write is a compare-and-swap.
	AssignStaff(ctx context.Context, customerID, staffID string) (bool, error)

	// Staff profiles
	UpsertStaff(ctx context.Context, st *Staff) error
	GetStaff(ctx context.Context, identityID string) (*Staff, error)
	GetStaffByEmail(ctx context.Context, email string) (*Staff, error)
	ListStaff(ctx context.Context) ([]Staff, error)

	// Sessions
	PutSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, handle string) (*Session, error)
	ListSessionsByIdentity(ctx context.Context, identityID string) ([]Session, error)
	ListSessionsByKind(ctx context.Context, kind SessionKind) ([]Session, error)
	DeleteSession(ctx context.Context, handle string) error
	DeleteSessionsByIdentity(ctx context.Context, identityID string) (int64, error)
	// PurgeSessions removes every session row. Run at startup: no
	// transport connection survives a restart, so persisted handles are
	// all stale by then.
	PurgeSessions(ctx context.Context) error

	// Messages
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	MessageExists(ctx context.Context, id string) (bool, error)
	ListMessagesBySender(ctx context.Context, senderID string, limit int) ([]Message, error)
	ListMessagesByReceiver(ctx context.Context, r Receiver, limit int) ([]Message, error)
	ListConversation(ctx context.Context, identityA, identityB string, limit int) ([]Message, error)
	UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error
	// AdvanceMessageState moves a message's state forward. A target state
	// at or below the current one leaves the row untouched.
	AdvanceMessageState(ctx context.Context, id string, state MessageState) error
	DeleteMessage(ctx context.Context, id string) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Session binds a transport handle to an identity.
type Session struct {
	Handle     string      `json:"handle"`
	IdentityID string      `json:"identity_id"`
	Kind       SessionKind `json:"kind"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Customer is a customer profile. AssignedStaffID is empty until a staff
// member takes the conversation; it never changes silently afterwards.
type Customer struct {
	IdentityID         string     `json:"identity_id"`
	DisplayName        string     `json:"display_name,omitempty"`
	Device             string     `json:"device,omitempty"`
	Location           string     `json:"location,omitempty"`
	AssignedStaffID    string     `json:"assigned_staff_id,omitempty"`
	LastDisconnectedAt *time.Time `json:"last_disconnected_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Staff is a staff profile. PasswordHash is set only for accounts managed
// by the builtin credential provider.
type Staff struct {
	IdentityID   string    `json:"identity_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	Roles        []string  `json:"roles"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is a stored conversation message.
type Message struct {
	ID        string       `json:"id"`
	SenderID  string       `json:"sender_id"`
	Receiver  Receiver     `json:"-"`
	Content   string       `json:"content"`
	State     MessageState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	EditedAt  *time.Time   `json:"edited_at,omitempty"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	ActorID   string          `json:"actor_id,omitempty"`
	SubjectID string          `json:"subject_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
