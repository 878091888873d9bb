// Package protocol defines the wire protocol exchanged between clients
// (customer widgets and staff consoles) and the support hub over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field that determines the payload structure.
package protocol

import "time"

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// --- Client → Hub messages ---

// Init completes the handshake for a freshly opened connection. Customers
// may supply an identity id from a previous visit (or none, to be issued
// one); staff must supply a bearer credential.
type Init struct {
	IdentityID  string `json:"identity_id,omitempty"`
	Credential  string `json:"credential,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Device      string `json:"device,omitempty"`
	Location    string `json:"location,omitempty"`
}

// Ping is a liveness probe; it causes no state change.
type Ping struct{}

// Typing signals that the sender is composing a message. Staff must name
// the customer they are typing to; for customers the target is implicit.
type Typing struct {
	TargetIdentityID string `json:"target_identity_id,omitempty"`
}

// Send submits a new message. MessageID is client-generated and must be
// unique. Staff must name the target customer; customer messages route to
// their assigned staff member, or to all staff when unassigned.
type Send struct {
	MessageID        string `json:"message_id"`
	Content          string `json:"content"`
	TargetIdentityID string `json:"target_identity_id,omitempty"`
}

// Status kinds accepted in a Status request.
const (
	StatusReceived = "received"
	StatusViewed   = "viewed"
	StatusEdited   = "edited"
	StatusDeleted  = "deleted"
)

// Status requests a lifecycle action on an existing message: a delivery
// receipt (received/viewed), an edit (NewContent required), or a delete.
type Status struct {
	MessageID  string `json:"message_id"`
	Kind       string `json:"kind"`
	NewContent string `json:"new_content,omitempty"`
}

// Take claims an unassigned customer conversation for the requesting
// staff member.
type Take struct {
	TargetCustomerID string `json:"target_customer_id"`
}

// --- Hub → Client messages ---

// InitAck reports the outcome of the handshake. On success IdentityID
// carries the resolved (possibly newly issued) identity id; on failure
// Reason carries a machine-readable code.
type InitAck struct {
	Success    bool   `json:"success"`
	IdentityID string `json:"identity_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Presence informs the counterpart side that an identity connected or
// disconnected.
type Presence struct {
	IdentityID string `json:"identity_id"`
	Connected  bool   `json:"connected"`
}

// TypingNotice relays a typing indicator to the counterpart side.
type TypingNotice struct {
	IdentityID string `json:"identity_id"`
}

// MessageNew delivers a freshly sent message.
type MessageNew struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
}

// MessageStatus relays a lifecycle change on an existing message.
type MessageStatus struct {
	MessageID  string `json:"message_id"`
	Kind       string `json:"kind"`
	NewContent string `json:"new_content,omitempty"`
}

// Assignment announces that a staff member now owns a customer
// conversation.
type Assignment struct {
	CustomerID string `json:"customer_id"`
	StaffID    string `json:"staff_id"`
}

// ErrorNotice reports a rejected request with a machine-readable code.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// --- Message type constants ---

const (
	// Client → Hub
	TypeInit   = "init"
	TypePing   = "ping"
	TypeTyping = "typing"
	TypeSend   = "send"
	TypeStatus = "status"
	TypeTake   = "take"

	// Hub → Client
	TypeInitAck       = "connection.init"
	TypePresence      = "notification.presence"
	TypeTypingNotice  = "notification.typing"
	TypeAssignment    = "notification.assignment"
	TypeMessageNew    = "message.new"
	TypeMessageStatus = "message.status"
	TypeError         = "request.error"
	TypePong          = "pong"
)

// Machine-readable reason codes carried in InitAck.Reason and
// ErrorNotice.Code.
const (
	ReasonInvalidUserID   = "INVALID_USER_ID"
	ReasonUnauthorized    = "UNAUTHORIZED"
	ReasonValidation      = "VALIDATION"
	ReasonNotFound        = "NOT_FOUND"
	ReasonAssignedToOther = "ALREADY_ASSIGNED_TO_OTHER"
	ReasonAssignedToSelf  = "ALREADY_ASSIGNED_TO_SELF"
	ReasonInternal        = "INTERNAL"
)
