// Package router is the hub core: it binds transport handles to
// identities, owns the assignment directory semantics, runs the message
// lifecycle, and computes notification fan-out. It consumes raw frames
// from the gateway and talks back to clients only through the Gateway
// interface.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/auth"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/gateway"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/notify"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/store"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/pkg/protocol"
)

// Options configures the Router.
type Options struct {
	StaffRoles      []string // roles permitted to bind staff sessions
	MaxContentBytes int64    // max message content size (default 16KB)
}

// Router implements gateway.EventSink. Every collaborator is injected so
// tests can substitute fakes.
type Router struct {
	store     store.Store
	resolver  auth.Resolver
	gateway   gateway.Gateway
	publisher notify.Publisher
	logger    *slog.Logger

	staffRoles      map[string]bool
	maxContentBytes int64

	idLocks  *identityLocks
	sessions *sessionIndex
}

// New creates a Router.
func New(s store.Store, resolver auth.Resolver, gw gateway.Gateway, pub notify.Publisher, logger *slog.Logger, opts Options) *Router {
	roles := make(map[string]bool, len(opts.StaffRoles))
	for _, role := range opts.StaffRoles {
		roles[role] = true
	}
	maxContent := opts.MaxContentBytes
	if maxContent == 0 {
		maxContent = 16 * 1024
	}

	return &Router{
		store:           s,
		resolver:        resolver,
		gateway:         gw,
		publisher:       pub,
		logger:          logger.With("component", "router"),
		staffRoles:      roles,
		maxContentBytes: maxContent,
		idLocks:         newIdentityLocks(),
		sessions:        newSessionIndex(),
	}
}

// HandleConnect implements gateway.EventSink. The handle stays anonymous
// until a successful init binds it to an identity.
func (r *Router) HandleConnect(handle string) {
	r.logger.Debug("handle connected", "handle", handle)
}

// HandleFrame implements gateway.EventSink.
func (r *Router) HandleFrame(handle string, frame []byte) {
	ctx := context.Background()

	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		r.sendError(handle, ErrValidation, "malformed envelope")
		return
	}
	payload, _ := json.Marshal(env.Payload)

	switch env.Type {
	case protocol.TypeInit:
		var init protocol.Init
		if err := json.Unmarshal(payload, &init); err != nil {
			r.failInit(handle, protocol.ReasonValidation)
			return
		}
		r.handleInit(ctx, handle, init)
	case protocol.TypePing:
		r.deliver(handle, protocol.Envelope{Type: protocol.TypePong, Timestamp: time.Now()})
	case protocol.TypeTyping:
		var typing protocol.Typing
		if err := json.Unmarshal(payload, &typing); err != nil {
			r.sendError(handle, ErrValidation, "malformed typing payload")
			return
		}
		r.withSession(ctx, handle, func(sess store.Session) error {
			return r.handleTyping(ctx, sess, typing)
		})
	case protocol.TypeSend:
		var send protocol.Send
		if err := json.Unmarshal(payload, &send); err != nil {
			r.sendError(handle, ErrValidation, "malformed send payload")
			return
		}
		r.withSession(ctx, handle, func(sess store.Session) error {
			return r.handleSend(ctx, sess, send)
		})
	case protocol.TypeStatus:
		var status protocol.Status
		if err := json.Unmarshal(payload, &status); err != nil {
			r.sendError(handle, ErrValidation, "malformed status payload")
			return
		}
		r.withSession(ctx, handle, func(sess store.Session) error {
			return r.handleStatus(ctx, sess, status)
		})
	case protocol.TypeTake:
		var take protocol.Take
		if err := json.Unmarshal(payload, &take); err != nil {
			r.sendError(handle, ErrValidation, "malformed take payload")
			return
		}
		r.withSession(ctx, handle, func(sess store.Session) error {
			return r.handleTake(ctx, sess, take)
		})
	default:
		r.sendError(handle, ErrValidation, "unknown message type")
	}
}

// withSession resolves the session bound to a handle and runs fn,
// translating routing errors into an error notice on the handle.
func (r *Router) withSession(ctx context.Context, handle string, fn func(store.Session) error) {
	sess, ok := r.sessions.lookup(handle)
	if !ok {
		r.sendError(handle, ErrUnauthorized, "handshake required")
		return
	}
	if err := fn(sess); err != nil {
		r.sendError(handle, err, err.Error())
	}
}

// HandleDisconnect implements gateway.EventSink.
func (r *Router) HandleDisconnect(handle string) {
	ctx := context.Background()

	sess, ok := r.sessions.lookup(handle)
	if !ok {
		return // never bound, or already purged by a newer handshake
	}

	unlock := r.idLocks.Lock(sess.IdentityID)
	defer unlock()

	sess, ok, last := r.sessions.unbind(handle)
	if !ok {
		return
	}
	if err := r.store.DeleteSession(ctx, handle); err != nil {
		r.logger.Error("delete session", "handle", handle, "error", err)
	}

	if !last {
		return
	}

	if sess.Kind == store.KindCustomer {
		now := time.Now()
		if err := r.store.SetCustomerLastDisconnected(ctx, sess.IdentityID, now); err != nil {
			r.logger.Error("record last disconnect", "identity", sess.IdentityID, "error", err)
		}
		r.fanOutPresence(ctx, sess.IdentityID, false)
		r.publisher.Publish(ctx, notify.EventCustomerOffline, map[string]any{
			"customer_id": sess.IdentityID,
			"at":          now,
		})
	}
	// Staff presence is not broadcast.
}

// --- Handshake ---

func (r *Router) handleInit(ctx context.Context, handle string, init protocol.Init) {
	if init.Credential != "" {
		r.initStaff(ctx, handle, init)
		return
	}
	r.initCustomer(ctx, handle, init)
}

func (r *Router) initStaff(ctx context.Context, handle string, init protocol.Init) {
	ident, err := r.resolver.Resolve(ctx, init.Credential)
	if err != nil {
		r.logger.Warn("staff credential rejected", "handle", handle, "error", err)
		r.audit(ctx, "session.bind_failed", "", "", map[string]any{"reason": "credential"})
		r.failInit(handle, protocol.ReasonUnauthorized)
		return
	}
	if !ident.EmailVerified {
		r.audit(ctx, "session.bind_failed", ident.SubjectID, "", map[string]any{"reason": "email_unverified"})
		r.failInit(handle, protocol.ReasonUnauthorized)
		return
	}
	if !r.hasStaffRole(ident.Roles) {
		r.audit(ctx, "session.bind_failed", ident.SubjectID, "", map[string]any{"reason": "role"})
		r.failInit(handle, protocol.ReasonUnauthorized)
		return
	}

	r.bindSession(ctx, handle, ident.SubjectID, store.KindStaff)

	// Profile refresh follows the bind, per the side effect ordering of
	// the handshake.
	if err := r.store.UpsertStaff(ctx, &store.Staff{
		IdentityID: ident.SubjectID,
		Email:      ident.Email,
		Name:       ident.Name,
		Roles:      ident.Roles,
		CreatedAt:  time.Now(),
	}); err != nil {
		r.logger.Error("upsert staff profile", "identity", ident.SubjectID, "error", err)
	}

	r.audit(ctx, "session.bind", ident.SubjectID, "", map[string]any{"kind": "staff"})
	r.ackInit(handle, ident.SubjectID)
}

func (r *Router) initCustomer(ctx context.Context, handle string, init protocol.Init) {
	identityID := init.IdentityID
	if identityID == "" {
		identityID = uuid.New().String()
	} else {
		existing, err := r.store.GetCustomer(ctx, identityID)
		if err != nil {
			r.logger.Error("lookup customer", "identity", identityID, "error", err)
			r.failInit(handle, protocol.ReasonInternal)
			return
		}
		if existing == nil {
			r.audit(ctx, "session.bind_failed", identityID, "", map[string]any{"reason": "unknown_identity"})
			r.failInit(handle, protocol.ReasonInvalidUserID)
			return
		}
	}

	r.bindSession(ctx, handle, identityID, store.KindCustomer)

	now := time.Now()
	if err := r.store.UpsertCustomer(ctx, &store.Customer{
		IdentityID:  identityID,
		DisplayName: init.DisplayName,
		Device:      init.Device,
		Location:    init.Location,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		r.logger.Error("upsert customer profile", "identity", identityID, "error", err)
	}

	r.fanOutPresence(ctx, identityID, true)
	r.audit(ctx, "session.bind", identityID, "", map[string]any{"kind": "customer"})
	r.ackInit(handle, identityID)
}

// bindSession purges any previous sessions for the identity and binds the
// new handle, serialized per identity. The purge-then-bind order is what
// keeps exactly one live session per identity under concurrent handshakes:
// the later handshake wins.
func (r *Router) bindSession(ctx context.Context, handle, identityID string, kind store.SessionKind) {
	unlock := r.idLocks.Lock(identityID)
	defer unlock()

	for _, old := range r.sessions.handlesFor(identityID) {
		r.sessions.unbind(old)
		r.gateway.CloseHandle(old)
	}
	if _, err := r.store.DeleteSessionsByIdentity(ctx, identityID); err != nil {
		r.logger.Error("purge sessions", "identity", identityID, "error", err)
	}

	sess := store.Session{
		Handle:     handle,
		IdentityID: identityID,
		Kind:       kind,
		CreatedAt:  time.Now(),
	}
	if err := r.store.PutSession(ctx, &sess); err != nil {
		r.logger.Error("persist session", "handle", handle, "error", err)
	}
	r.sessions.bind(sess)
}

func (r *Router) hasStaffRole(roles []string) bool {
	for _, role := range roles {
		if r.staffRoles[role] {
			return true
		}
	}
	return false
}

// --- Typing ---

func (r *Router) handleTyping(ctx context.Context, sess store.Session, typing protocol.Typing) error {
	notice := protocol.Envelope{
		Type:      protocol.TypeTypingNotice,
		Timestamp: time.Now(),
		Payload:   protocol.TypingNotice{IdentityID: sess.IdentityID},
	}

	switch sess.Kind {
	case store.KindCustomer:
		targets, err := r.staffTargetsFor(ctx, sess.IdentityID)
		if err != nil {
			return err
		}
		r.deliverAll(targets, notice)
	case store.KindStaff:
		if typing.TargetIdentityID == "" {
			return ErrValidation
		}
		r.deliverAll(r.sessions.handlesFor(typing.TargetIdentityID), notice)
	}
	return nil
}

// --- Send ---

func (r *Router) handleSend(ctx context.Context, sess store.Session, send protocol.Send) error {
	if send.MessageID == "" || send.Content == "" {
		return ErrValidation
	}
	if int64(len(send.Content)) > r.maxContentBytes {
		return ErrValidation
	}
	exists, err := r.store.MessageExists(ctx, send.MessageID)
	if err != nil {
		return err
	}
	if exists {
		return ErrValidation
	}

	switch sess.Kind {
	case store.KindCustomer:
		return r.sendFromCustomer(ctx, sess, send)
	case store.KindStaff:
		return r.sendFromStaff(ctx, sess, send)
	}
	return ErrValidation
}

func (r *Router) sendFromCustomer(ctx context.Context, sess store.Session, send protocol.Send) error {
	profile, err := r.store.GetCustomer(ctx, sess.IdentityID)
	if err != nil {
		return err
	}

	receiver := store.AnyStaff()
	if profile != nil && profile.AssignedStaffID != "" {
		receiver = store.ReceiverFor(profile.AssignedStaffID)
	}

	msg := store.Message{
		ID:        send.MessageID,
		SenderID:  sess.IdentityID,
		Receiver:  receiver,
		Content:   send.Content,
		State:     store.StateSent,
		CreatedAt: time.Now(),
	}
	if err := r.store.CreateMessage(ctx, &msg); err != nil {
		return err
	}

	var targets []string
	if id, ok := receiver.IdentityID(); ok {
		targets = r.sessions.handlesFor(id)
	} else {
		targets = r.sessions.staffHandles()
	}

	r.deliverAll(targets, protocol.Envelope{
		Type:      protocol.TypeMessageNew,
		Timestamp: msg.CreatedAt,
		Payload: protocol.MessageNew{
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
			Content:   msg.Content,
		},
	})

	if len(targets) == 0 {
		// Nobody is online to see this; hand it to downstream
		// notification processors.
		r.publisher.Publish(ctx, notify.EventMessageUnclaimed, map[string]any{
			"message_id":  msg.ID,
			"customer_id": msg.SenderID,
		})
	}
	return nil
}

func (r *Router) sendFromStaff(ctx context.Context, sess store.Session, send protocol.Send) error {
	if send.TargetIdentityID == "" {
		return ErrValidation
	}
	customer, err := r.store.GetCustomer(ctx, send.TargetIdentityID)
	if err != nil {
		return err
	}
	if customer == nil {
		return ErrNotFound
	}
	if customer.AssignedStaffID != "" && customer.AssignedStaffID != sess.IdentityID {
		return ErrUnauthorized
	}

	msg := store.Message{
		ID:        send.MessageID,
		SenderID:  sess.IdentityID,
		Receiver:  store.ReceiverFor(customer.IdentityID),
		Content:   send.Content,
		State:     store.StateSent,
		CreatedAt: time.Now(),
	}
	if err := r.store.CreateMessage(ctx, &msg); err != nil {
		return err
	}

	r.deliverAll(r.sessions.handlesFor(customer.IdentityID), protocol.Envelope{
		Type:      protocol.TypeMessageNew,
		Timestamp: msg.CreatedAt,
		Payload: protocol.MessageNew{
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
			Content:   msg.Content,
		},
	})
	return nil
}

// --- Status (receipts, edit, delete) ---

func (r *Router) handleStatus(ctx context.Context, sess store.Session, status protocol.Status) error {
	if status.MessageID == "" {
		return ErrValidation
	}
	msg, err := r.store.GetMessage(ctx, status.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrNotFound
	}

	switch status.Kind {
	case protocol.StatusReceived, protocol.StatusViewed:
		return r.applyReceipt(ctx, sess, msg, status)
	case protocol.StatusEdited:
		return r.applyEdit(ctx, sess, msg, status)
	case protocol.StatusDeleted:
		return r.applyDelete(ctx, sess, msg, status)
	default:
		return ErrValidation
	}
}

func (r *Router) applyReceipt(ctx context.Context, sess store.Session, msg *store.Message, status protocol.Status) error {
	// Only the specific addressee may confirm receipt; an unclaimed
	// message has no addressee yet, so it cannot be receipted at all.
	receiverID, ok := msg.Receiver.IdentityID()
	if !ok || receiverID != sess.IdentityID {
		return ErrUnauthorized
	}

	target := store.StateReceived
	if status.Kind == protocol.StatusViewed {
		target = store.StateViewed
	}
	// At-or-below transitions are idempotent successes.
	if err := r.store.AdvanceMessageState(ctx, msg.ID, target); err != nil {
		return err
	}

	r.deliverAll(r.sessions.handlesFor(msg.SenderID), protocol.Envelope{
		Type:      protocol.TypeMessageStatus,
		Timestamp: time.Now(),
		Payload:   protocol.MessageStatus{MessageID: msg.ID, Kind: status.Kind},
	})
	return nil
}

func (r *Router) applyEdit(ctx context.Context, sess store.Session, msg *store.Message, status protocol.Status) error {
	if msg.SenderID != sess.IdentityID {
		return ErrUnauthorized
	}
	if status.NewContent == "" {
		return ErrValidation
	}
	if int64(len(status.NewContent)) > r.maxContentBytes {
		return ErrValidation
	}

	if err := r.store.UpdateMessageContent(ctx, msg.ID, status.NewContent, time.Now()); err != nil {
		return err
	}

	r.deliverAll(r.receiverTargets(msg.Receiver), protocol.Envelope{
		Type:      protocol.TypeMessageStatus,
		Timestamp: time.Now(),
		Payload: protocol.MessageStatus{
			MessageID:  msg.ID,
			Kind:       protocol.StatusEdited,
			NewContent: status.NewContent,
		},
	})
	return nil
}

func (r *Router) applyDelete(ctx context.Context, sess store.Session, msg *store.Message, status protocol.Status) error {
	if msg.SenderID != sess.IdentityID {
		return ErrUnauthorized
	}

	if err := r.store.DeleteMessage(ctx, msg.ID); err != nil {
		return err
	}

	r.audit(ctx, "message.delete", sess.IdentityID, msg.ID, nil)
	r.deliverAll(r.receiverTargets(msg.Receiver), protocol.Envelope{
		Type:      protocol.TypeMessageStatus,
		Timestamp: time.Now(),
		Payload:   protocol.MessageStatus{MessageID: msg.ID, Kind: protocol.StatusDeleted},
	})
	return nil
}

// receiverTargets resolves a message receiver to live handles at the time
// of the call. Claim state can change after send, so an unclaimed message
// fans out to every live staff session, not a future claimant.
func (r *Router) receiverTargets(receiver store.Receiver) []string {
	if id, ok := receiver.IdentityID(); ok {
		return r.sessions.handlesFor(id)
	}
	return r.sessions.staffHandles()
}

// --- Take ---

func (r *Router) handleTake(ctx context.Context, sess store.Session, take protocol.Take) error {
	if sess.Kind != store.KindStaff {
		return ErrUnauthorized
	}
	if take.TargetCustomerID == "" {
		return ErrValidation
	}

	claimed, err := r.store.AssignStaff(ctx, take.TargetCustomerID, sess.IdentityID)
	if err != nil {
		return err
	}
	if !claimed {
		// Classify by re-reading: the swap itself stays race-free.
		customer, err := r.store.GetCustomer(ctx, take.TargetCustomerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return ErrNotFound
		}
		if customer.AssignedStaffID == sess.IdentityID {
			return ErrAssignedToSelf
		}
		return ErrAssignedToOther
	}

	r.audit(ctx, "assignment.take", sess.IdentityID, take.TargetCustomerID, nil)
	r.publisher.Publish(ctx, notify.EventAssignment, map[string]any{
		"customer_id": take.TargetCustomerID,
		"staff_id":    sess.IdentityID,
	})

	announcement := protocol.Envelope{
		Type:      protocol.TypeAssignment,
		Timestamp: time.Now(),
		Payload: protocol.Assignment{
			CustomerID: take.TargetCustomerID,
			StaffID:    sess.IdentityID,
		},
	}
	// Everyone but the claimant: the other staff drop the conversation
	// from their queues, the customer learns who owns their case.
	for _, h := range r.sessions.staffHandles() {
		if target, ok := r.sessions.lookup(h); ok && target.IdentityID == sess.IdentityID {
			continue
		}
		r.deliver(h, announcement)
	}
	r.deliverAll(r.sessions.handlesFor(take.TargetCustomerID), announcement)
	return nil
}

// --- Fan-out and delivery ---

// staffTargetsFor resolves the staff-side recipients for a customer event:
// the assigned staff member's sessions when the conversation is claimed,
// otherwise every live staff session.
func (r *Router) staffTargetsFor(ctx context.Context, customerID string) ([]string, error) {
	profile, err := r.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if profile != nil && profile.AssignedStaffID != "" {
		return r.sessions.handlesFor(profile.AssignedStaffID), nil
	}
	return r.sessions.staffHandles(), nil
}

func (r *Router) fanOutPresence(ctx context.Context, customerID string, connected bool) {
	targets, err := r.staffTargetsFor(ctx, customerID)
	if err != nil {
		r.logger.Error("resolve presence targets", "customer", customerID, "error", err)
		return
	}
	r.deliverAll(targets, protocol.Envelope{
		Type:      protocol.TypePresence,
		Timestamp: time.Now(),
		Payload:   protocol.Presence{IdentityID: customerID, Connected: connected},
	})
}

func (r *Router) deliverAll(handles []string, env protocol.Envelope) {
	for _, h := range handles {
		r.deliver(h, env)
	}
}

// deliver is fire-and-forget. A Gone result means the index got ahead of
// the transport; the stale session is unbound and the miss logged.
func (r *Router) deliver(handle string, env protocol.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("marshal envelope", "type", env.Type, "error", err)
		return
	}

	switch r.gateway.Deliver(handle, payload) {
	case gateway.Ok:
	case gateway.Gone:
		r.logger.Debug("delivery target gone", "handle", handle, "type", env.Type)
		if _, ok, _ := r.sessions.unbind(handle); ok {
			if err := r.store.DeleteSession(context.Background(), handle); err != nil {
				r.logger.Error("delete stale session", "handle", handle, "error", err)
			}
		}
	case gateway.Error:
		r.logger.Warn("delivery failed", "handle", handle, "type", env.Type)
	}
}

func (r *Router) ackInit(handle, identityID string) {
	r.deliver(handle, protocol.Envelope{
		Type:      protocol.TypeInitAck,
		Timestamp: time.Now(),
		Payload:   protocol.InitAck{Success: true, IdentityID: identityID},
	})
}

func (r *Router) failInit(handle, reason string) {
	r.deliver(handle, protocol.Envelope{
		Type:      protocol.TypeInitAck,
		Timestamp: time.Now(),
		Payload:   protocol.InitAck{Success: false, Reason: reason},
	})
}

func (r *Router) sendError(handle string, err error, detail string) {
	r.deliver(handle, protocol.Envelope{
		Type:      protocol.TypeError,
		Timestamp: time.Now(),
		Payload:   protocol.ErrorNotice{Code: reasonFor(err), Message: detail},
	})
}

func (r *Router) audit(ctx context.Context, action, actorID, subjectID string, detail map[string]any) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	event := store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		ActorID:   actorID,
		SubjectID: subjectID,
		Detail:    raw,
		CreatedAt: time.Now(),
	}
	if err := r.store.LogAuditEvent(ctx, &event); err != nil {
		r.logger.Error("log audit event", "action", action, "error", err)
	}
}
