package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/auth"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/gateway"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/store"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/pkg/protocol"
)

// fakeGateway records deliveries instead of writing to sockets.
type fakeGateway struct {
	mu        sync.Mutex
	delivered map[string][]protocol.Envelope
	closed    []string
	gone      map[string]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		delivered: make(map[string][]protocol.Envelope),
		gone:      make(map[string]bool),
	}
}

func (g *fakeGateway) Deliver(handle string, payload []byte) gateway.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gone[handle] {
		return gateway.Gone
	}
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return gateway.Error
	}
	g.delivered[handle] = append(g.delivered[handle], env)
	return gateway.Ok
}

func (g *fakeGateway) CloseHandle(handle string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = append(g.closed, handle)
}

func (g *fakeGateway) envelopes(handle string) []protocol.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]protocol.Envelope, len(g.delivered[handle]))
	copy(out, g.delivered[handle])
	return out
}

func (g *fakeGateway) last(t *testing.T, handle string) protocol.Envelope {
	t.Helper()
	envs := g.envelopes(handle)
	if len(envs) == 0 {
		t.Fatalf("no envelopes delivered to %s", handle)
	}
	return envs[len(envs)-1]
}

func (g *fakeGateway) countByType(handle, msgType string) int {
	n := 0
	for _, env := range g.envelopes(handle) {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

// payloadAs re-decodes an envelope payload into a typed struct.
func payloadAs(t *testing.T, env protocol.Envelope, out any) {
	t.Helper()
	data, err := json.Marshal(env.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatal(err)
	}
}

// fakeResolver resolves credentials from a fixed table.
type fakeResolver struct {
	identities map[string]*auth.StaffIdentity
}

func (f *fakeResolver) Resolve(ctx context.Context, credential string) (*auth.StaffIdentity, error) {
	ident, ok := f.identities[credential]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return ident, nil
}

func (f *fakeResolver) Name() string { return "fake" }

// fakePublisher records downstream events.
type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) Publish(ctx context.Context, name string, fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, name)
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == name {
			return true
		}
	}
	return false
}

func setupTestRouter(t *testing.T) (*Router, *fakeGateway, *fakePublisher, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	resolver := &fakeResolver{identities: map[string]*auth.StaffIdentity{
		"token-s1": {SubjectID: "staff-1", Email: "s1@autolabsolutions.example", EmailVerified: true, Roles: []string{"support"}},
		"token-s2": {SubjectID: "staff-2", Email: "s2@autolabsolutions.example", EmailVerified: true, Roles: []string{"support"}},
		"token-unverified": {SubjectID: "staff-3", Email: "s3@autolabsolutions.example", EmailVerified: false, Roles: []string{"support"}},
		"token-norole":     {SubjectID: "staff-4", Email: "s4@autolabsolutions.example", EmailVerified: true, Roles: []string{"billing"}},
	}}

	gw := newFakeGateway()
	pub := &fakePublisher{}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	r := New(s, resolver, gw, pub, logger, Options{StaffRoles: []string{"support", "admin"}})
	return r, gw, pub, s
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func frame(t *testing.T, msgType string, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(protocol.Envelope{Type: msgType, Timestamp: time.Now(), Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// connectCustomer runs a customer handshake and returns the resolved
// identity id.
func connectCustomer(t *testing.T, r *Router, gw *fakeGateway, handle, identityID string) string {
	t.Helper()
	r.HandleConnect(handle)
	r.HandleFrame(handle, frame(t, protocol.TypeInit, protocol.Init{IdentityID: identityID, DisplayName: "Customer"}))

	env := gw.last(t, handle)
	if env.Type != protocol.TypeInitAck {
		t.Fatalf("expected init ack, got %s", env.Type)
	}
	var ack protocol.InitAck
	payloadAs(t, env, &ack)
	if !ack.Success {
		t.Fatalf("customer handshake failed: %s", ack.Reason)
	}
	return ack.IdentityID
}

func connectStaff(t *testing.T, r *Router, gw *fakeGateway, handle, credential string) string {
	t.Helper()
	r.HandleConnect(handle)
	r.HandleFrame(handle, frame(t, protocol.TypeInit, protocol.Init{Credential: credential}))

	env := gw.last(t, handle)
	var ack protocol.InitAck
	payloadAs(t, env, &ack)
	if !ack.Success {
		t.Fatalf("staff handshake failed: %s", ack.Reason)
	}
	return ack.IdentityID
}

func TestHandshake_NewCustomer(t *testing.T) {
	r, gw, _, s := setupTestRouter(t)

	id := connectCustomer(t, r, gw, "h1", "")
	if id == "" {
		t.Fatal("expected a generated identity id")
	}

	sessions, err := s.ListSessionsByIdentity(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Handle != "h1" {
		t.Errorf("sessions: got %+v", sessions)
	}

	profile, err := s.GetCustomer(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if profile == nil || profile.DisplayName != "Customer" {
		t.Errorf("profile: got %+v", profile)
	}
}

func TestHandshake_UnknownCustomerID(t *testing.T) {
	r, gw, _, s := setupTestRouter(t)

	r.HandleConnect("h1")
	r.HandleFrame("h1", frame(t, protocol.TypeInit, protocol.Init{IdentityID: "ghost"}))

	var ack protocol.InitAck
	payloadAs(t, gw.last(t, "h1"), &ack)
	if ack.Success {
		t.Fatal("handshake with unknown id should fail")
	}
	if ack.Reason != protocol.ReasonInvalidUserID {
		t.Errorf("reason: got %q, want %q", ack.Reason, protocol.ReasonInvalidUserID)
	}

	sessions, err := s.ListSessionsByIdentity(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Error("failed handshake must not bind a session")
	}
}

func TestHandshake_StaffFailClosed(t *testing.T) {
	tests := []struct {
		name       string
		credential string
	}{
		{"bad credential", "token-bogus"},
		{"unverified email", "token-unverified"},
		{"no permitted role", "token-norole"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, gw, _, s := setupTestRouter(t)

			r.HandleConnect("h1")
			r.HandleFrame("h1", frame(t, protocol.TypeInit, protocol.Init{Credential: tt.credential}))

			var ack protocol.InitAck
			payloadAs(t, gw.last(t, "h1"), &ack)
			if ack.Success {
				t.Fatal("handshake should fail closed")
			}
			if ack.Reason != protocol.ReasonUnauthorized {
				t.Errorf("reason: got %q", ack.Reason)
			}

			staffSessions, err := s.ListSessionsByKind(context.Background(), store.KindStaff)
			if err != nil {
				t.Fatal(err)
			}
			if len(staffSessions) != 0 {
				t.Error("failed handshake must not bind a session")
			}
		})
	}
}

func TestHandshake_SecondInvalidatesFirst(t *testing.T) {
	r, gw, _, s := setupTestRouter(t)

	id := connectCustomer(t, r, gw, "h1", "")
	connectCustomer(t, r, gw, "h2", id)

	sessions, err := s.ListSessionsByIdentity(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Handle != "h2" {
		t.Errorf("exactly the newer session should be live, got %+v", sessions)
	}

	gw.mu.Lock()
	closed := append([]string(nil), gw.closed...)
	gw.mu.Unlock()
	if len(closed) != 1 || closed[0] != "h1" {
		t.Errorf("previous handle should be closed, got %v", closed)
	}
}

func TestDisconnect_LeavesNoLiveSession(t *testing.T) {
	r, gw, pub, s := setupTestRouter(t)

	staffHandle := "hs"
	connectStaff(t, r, gw, staffHandle, "token-s1")
	id := connectCustomer(t, r, gw, "h1", "")

	r.HandleDisconnect("h1")

	sessions, err := s.ListSessionsByIdentity(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("no session should survive disconnect, got %+v", sessions)
	}

	profile, err := s.GetCustomer(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if profile.LastDisconnectedAt == nil {
		t.Error("sole-session disconnect should stamp last_disconnected_at")
	}

	// Staff saw connect and disconnect presence.
	if n := gw.countByType(staffHandle, protocol.TypePresence); n != 2 {
		t.Errorf("staff presence notifications: got %d, want 2", n)
	}
	if !pub.has("customer.offline") {
		t.Error("customer.offline event should be published")
	}
}

func TestStaffPresence_NotBroadcast(t *testing.T) {
	r, gw, _, _ := setupTestRouter(t)

	connectCustomer(t, r, gw, "hc", "")
	before := gw.countByType("hc", protocol.TypePresence)

	connectStaff(t, r, gw, "hs", "token-s1")
	r.HandleDisconnect("hs")

	if after := gw.countByType("hc", protocol.TypePresence); after != before {
		t.Errorf("staff presence leaked to customer: %d -> %d", before, after)
	}
}

func TestSend_CustomerUnassigned_FansOutToAllStaff(t *testing.T) {
	r, gw, _, s := setupTestRouter(t)

	connectStaff(t, r, gw, "hs1", "token-s1")
	connectStaff(t, r, gw, "hs2", "token-s2")
	custID := connectCustomer(t, r, gw, "hc", "")

	r.HandleFrame("hc", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m1", Content: "my car is late"}))

	for _, h := range []string{"hs1", "hs2"} {
		if n := gw.countByType(h, protocol.TypeMessageNew); n != 1 {
			t.Errorf("staff %s message.new: got %d, want 1", h, n)
		}
	}

	msg, err := s.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || !msg.Receiver.IsAnyStaff() {
		t.Errorf("unassigned customer message should persist as any-staff, got %+v", msg)
	}
	if msg.SenderID != custID {
		t.Errorf("sender: got %q", msg.SenderID)
	}
}

func TestSend_NoLiveStaff_PublishesUnclaimed(t *testing.T) {
	r, gw, pub, _ := setupTestRouter(t)

	connectCustomer(t, r, gw, "hc", "")
	r.HandleFrame("hc", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m1", Content: "anyone there?"}))

	if !pub.has("message.unclaimed") {
		t.Error("zero-recipient customer message should publish message.unclaimed")
	}
}

func TestSend_DuplicateMessageID(t *testing.T) {
	r, gw, _, _ := setupTestRouter(t)

	connectCustomer(t, r, gw, "hc", "")
	r.HandleFrame("hc", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m1", Content: "one"}))
	r.HandleFrame("hc", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m1", Content: "two"}))

	env := gw.last(t, "hc")
	if env.Type != protocol.TypeError {
		t.Fatalf("duplicate id should produce an error, got %s", env.Type)
	}
	var notice protocol.ErrorNotice
	payloadAs(t, env, &notice)
	if notice.Code != protocol.ReasonValidation {
		t.Errorf("code: got %q", notice.Code)
	}
}

func TestSend_StaffAuthorization(t *testing.T) {
	r, gw, _, _ := setupTestRouter(t)

	connectStaff(t, r, gw, "hs1", "token-s1")
	connectStaff(t, r, gw, "hs2", "token-s2")
	custID := connectCustomer(t, r, gw, "hc", "")

	// Unassigned: any staff member may write.
	r.HandleFrame("hs1", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m1", Content: "hello", TargetIdentityID: custID}))
	if n := gw.countByType("hc", protocol.TypeMessageNew); n != 1 {
		t.Fatalf("customer should receive staff message, got %d", n)
	}

	// Claim for staff-1; staff-2 is now locked out.
	r.HandleFrame("hs1", frame(t, protocol.TypeTake, protocol.Take{TargetCustomerID: custID}))
	r.HandleFrame("hs2", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m2", Content: "intruding", TargetIdentityID: custID}))

	env := gw.last(t, "hs2")
	if env.Type != protocol.TypeError {
		t.Fatalf("unassigned staff send should fail, got %s", env.Type)
	}
	var notice protocol.ErrorNotice
	payloadAs(t, env, &notice)
	if notice.Code != protocol.ReasonUnauthorized {
		t.Errorf("code: got %q", notice.Code)
	}
}

func TestTake_Classification(t *testing.T) {
	r, gw, _, s := setupTestRouter(t)

	connectStaff(t, r, gw, "hs1", "token-s1")
	connectStaff(t, r, gw, "hs2", "token-s2")
	custID := connectCustomer(t, r, gw, "hc", "")

	// Unknown customer.
	r.HandleFrame("hs1", frame(t, protocol.TypeTake, protocol.Take{TargetCustomerID: "ghost"}))
	var notice protocol.ErrorNotice
	payloadAs(t, gw.last(t, "hs1"), &notice)
	if notice.Code != protocol.ReasonNotFound {
		t.Errorf("unknown customer: got %q, want NOT_FOUND", notice.Code)
	}

	// First claim wins.
	r.HandleFrame("hs1", frame(t, protocol.TypeTake, protocol.Take{TargetCustomerID: custID}))
	profile, err := s.GetCustomer(context.Background(), custID)
	if err != nil {
		t.Fatal(err)
	}
	if profile.AssignedStaffID != "staff-1" {
		t.Fatalf("assignment: got %q", profile.AssignedStaffID)
	}

	// Loser sees the "other" conflict, assignment unchanged.
	r.HandleFrame("hs2", frame(t, protocol.TypeTake, protocol.Take{TargetCustomerID: custID}))
	payloadAs(t, gw.last(t, "hs2"), &notice)
	if notice.Code != protocol.ReasonAssignedToOther {
		t.Errorf("second claimant: got %q", notice.Code)
	}

	// Re-claim by the owner is the distinguishable self case.
	r.HandleFrame("hs1", frame(t, protocol.TypeTake, protocol.Take{TargetCustomerID: custID}))
	payloadAs(t, gw.last(t, "hs1"), &notice)
	if notice.Code != protocol.ReasonAssignedToSelf {
		t.Errorf("owner re-claim: got %q", notice.Code)
	}

	profile, err = s.GetCustomer(context.Background(), custID)
	if err != nil {
		t.Fatal(err)
	}
	if profile.AssignedStaffID != "staff-1" {
		t.Errorf("assignment changed: got %q", profile.AssignedStaffID)
	}

	// The losing staff and the customer heard the announcement, the
	// claimant did not.
	if n := gw.countByType("hs2", protocol.TypeAssignment); n != 1 {
		t.Errorf("other staff assignment notices: got %d, want 1", n)
	}
	if n := gw.countByType("hc", protocol.TypeAssignment); n != 1 {
		t.Errorf("customer assignment notices: got %d, want 1", n)
	}
	if n := gw.countByType("hs1", protocol.TypeAssignment); n != 0 {
		t.Errorf("claimant should be excluded, got %d notices", n)
	}
}

func TestTake_CustomerForbidden(t *testing.T) {
	r, gw, _, _ := setupTestRouter(t)

	custID := connectCustomer(t, r, gw, "hc", "")
	r.HandleFrame("hc", frame(t, protocol.TypeTake, protocol.Take{TargetCustomerID: custID}))

	var notice protocol.ErrorNotice
	payloadAs(t, gw.last(t, "hc"), &notice)
	if notice.Code != protocol.ReasonUnauthorized {
		t.Errorf("customer take: got %q, want UNAUTHORIZED", notice.Code)
	}
}

func TestReceipt_AnyStaffRejected(t *testing.T) {
	r, gw, _, s := setupTestRouter(t)

	connectStaff(t, r, gw, "hs1", "token-s1")
	connectCustomer(t, r, gw, "hc", "")

	r.HandleFrame("hc", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m1", Content: "unclaimed"}))

	// Even a staff member who saw the fan-out cannot receipt an
	// unclaimed message.
	r.HandleFrame("hs1", frame(t, protocol.TypeStatus, protocol.Status{MessageID: "m1", Kind: protocol.StatusReceived}))

	var notice protocol.ErrorNotice
	payloadAs(t, gw.last(t, "hs1"), &notice)
	if notice.Code != protocol.ReasonUnauthorized {
		t.Errorf("code: got %q, want UNAUTHORIZED", notice.Code)
	}

	msg, err := s.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.State != store.StateSent {
		t.Errorf("state moved on rejected receipt: %v", msg.State)
	}
}

func TestReceipt_RoutedToSender(t *testing.T) {
	r, gw, _, s := setupTestRouter(t)

	connectStaff(t, r, gw, "hs1", "token-s1")
	custID := connectCustomer(t, r, gw, "hc", "")

	// Staff sends to the customer; the customer receipts it.
	r.HandleFrame("hs1", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m3", Content: "your car is ready", TargetIdentityID: custID}))
	r.HandleFrame("hc", frame(t, protocol.TypeStatus, protocol.Status{MessageID: "m3", Kind: protocol.StatusReceived}))

	if n := gw.countByType("hs1", protocol.TypeMessageStatus); n != 1 {
		t.Errorf("sender should receive the receipt, got %d", n)
	}

	msg, err := s.GetMessage(context.Background(), "m3")
	if err != nil {
		t.Fatal(err)
	}
	if msg.State != store.StateReceived {
		t.Errorf("state: got %v, want received", msg.State)
	}
}

func TestReceipt_MonotonicIdempotent(t *testing.T) {
	r, gw, _, s := setupTestRouter(t)

	connectStaff(t, r, gw, "hs1", "token-s1")
	custID := connectCustomer(t, r, gw, "hc", "")

	r.HandleFrame("hs1", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m1", Content: "hi", TargetIdentityID: custID}))

	r.HandleFrame("hc", frame(t, protocol.TypeStatus, protocol.Status{MessageID: "m1", Kind: protocol.StatusViewed}))
	r.HandleFrame("hc", frame(t, protocol.TypeStatus, protocol.Status{MessageID: "m1", Kind: protocol.StatusReceived}))
	r.HandleFrame("hc", frame(t, protocol.TypeStatus, protocol.Status{MessageID: "m1", Kind: protocol.StatusViewed}))

	msg, err := s.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.State != store.StateViewed {
		t.Errorf("state: got %v, want viewed", msg.State)
	}

	// All three requests are accepted; none produce an error notice.
	for _, env := range gw.envelopes("hc") {
		if env.Type == protocol.TypeError {
			t.Errorf("unexpected error notice: %+v", env)
		}
	}
}

func TestEditDelete_SenderOnly(t *testing.T) {
	r, gw, _, s := setupTestRouter(t)

	connectStaff(t, r, gw, "hs1", "token-s1")
	connectCustomer(t, r, gw, "hc", "")

	r.HandleFrame("hc", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m1", Content: "unclaimed"}))

	// Staff (not the sender) cannot delete.
	r.HandleFrame("hs1", frame(t, protocol.TypeStatus, protocol.Status{MessageID: "m1", Kind: protocol.StatusDeleted}))
	var notice protocol.ErrorNotice
	payloadAs(t, gw.last(t, "hs1"), &notice)
	if notice.Code != protocol.ReasonUnauthorized {
		t.Errorf("non-sender delete: got %q", notice.Code)
	}
	exists, err := s.MessageExists(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("message deleted by non-sender")
	}

	// Sender edit fans out to all live staff (still unclaimed).
	r.HandleFrame("hc", frame(t, protocol.TypeStatus, protocol.Status{MessageID: "m1", Kind: protocol.StatusEdited, NewContent: "fixed"}))
	if n := gw.countByType("hs1", protocol.TypeMessageStatus); n != 1 {
		t.Errorf("edit notice to staff: got %d, want 1", n)
	}

	// Sender delete succeeds; the id is gone afterwards.
	r.HandleFrame("hc", frame(t, protocol.TypeStatus, protocol.Status{MessageID: "m1", Kind: protocol.StatusDeleted}))
	exists, err = s.MessageExists(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("message should be hard-deleted")
	}

	r.HandleFrame("hc", frame(t, protocol.TypeStatus, protocol.Status{MessageID: "m1", Kind: protocol.StatusViewed}))
	payloadAs(t, gw.last(t, "hc"), &notice)
	if notice.Code != protocol.ReasonNotFound {
		t.Errorf("status on deleted id: got %q, want NOT_FOUND", notice.Code)
	}
}

func TestTyping_Routing(t *testing.T) {
	r, gw, _, _ := setupTestRouter(t)

	connectStaff(t, r, gw, "hs1", "token-s1")
	custID := connectCustomer(t, r, gw, "hc", "")

	r.HandleFrame("hc", frame(t, protocol.TypeTyping, protocol.Typing{}))
	if n := gw.countByType("hs1", protocol.TypeTypingNotice); n != 1 {
		t.Errorf("customer typing to staff: got %d", n)
	}

	r.HandleFrame("hs1", frame(t, protocol.TypeTyping, protocol.Typing{TargetIdentityID: custID}))
	if n := gw.countByType("hc", protocol.TypeTypingNotice); n != 1 {
		t.Errorf("staff typing to customer: got %d", n)
	}

	// Staff typing without a target is malformed.
	r.HandleFrame("hs1", frame(t, protocol.TypeTyping, protocol.Typing{}))
	var notice protocol.ErrorNotice
	payloadAs(t, gw.last(t, "hs1"), &notice)
	if notice.Code != protocol.ReasonValidation {
		t.Errorf("untargeted staff typing: got %q", notice.Code)
	}
}

func TestPing(t *testing.T) {
	r, gw, _, _ := setupTestRouter(t)

	r.HandleConnect("h1")
	r.HandleFrame("h1", frame(t, protocol.TypePing, protocol.Ping{}))
	if env := gw.last(t, "h1"); env.Type != protocol.TypePong {
		t.Errorf("ping reply: got %s", env.Type)
	}
}

func TestFrameBeforeHandshake(t *testing.T) {
	r, gw, _, _ := setupTestRouter(t)

	r.HandleConnect("h1")
	r.HandleFrame("h1", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m1", Content: "hi"}))

	var notice protocol.ErrorNotice
	payloadAs(t, gw.last(t, "h1"), &notice)
	if notice.Code != protocol.ReasonUnauthorized {
		t.Errorf("pre-handshake send: got %q", notice.Code)
	}
}

func TestConcurrentHandshakes_OneSurvivor(t *testing.T) {
	r, gw, _, s := setupTestRouter(t)

	id := connectCustomer(t, r, gw, "h0", "")
	r.HandleDisconnect("h0")

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle := "hc-" + string(rune('a'+i))
			r.HandleConnect(handle)
			r.HandleFrame(handle, frame(t, protocol.TypeInit, protocol.Init{IdentityID: id}))
		}(i)
	}
	wg.Wait()

	sessions, err := s.ListSessionsByIdentity(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Errorf("exactly one session must survive, got %d", len(sessions))
	}
	if len(r.sessions.handlesFor(id)) != 1 {
		t.Errorf("index should hold one handle, got %d", len(r.sessions.handlesFor(id)))
	}
}

// The end-to-end conversation flow: unclaimed fan-out, claim, targeted
// routing, receipts.
func TestConversationFlow(t *testing.T) {
	r, gw, _, s := setupTestRouter(t)
	ctx := context.Background()

	connectStaff(t, r, gw, "hs1", "token-s1")
	connectStaff(t, r, gw, "hs2", "token-s2")
	custID := connectCustomer(t, r, gw, "hc", "")

	// m1 while unassigned: everyone sees it, stored as any-staff.
	r.HandleFrame("hc", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m1", Content: "booking query"}))
	m1, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !m1.Receiver.IsAnyStaff() {
		t.Fatal("m1 should be addressed to any staff")
	}
	if gw.countByType("hs1", protocol.TypeMessageNew) != 1 || gw.countByType("hs2", protocol.TypeMessageNew) != 1 {
		t.Fatal("m1 should fan out to both staff")
	}

	// staff-1 claims; staff-2 conflicts.
	r.HandleFrame("hs1", frame(t, protocol.TypeTake, protocol.Take{TargetCustomerID: custID}))
	r.HandleFrame("hs2", frame(t, protocol.TypeTake, protocol.Take{TargetCustomerID: custID}))
	profile, err := s.GetCustomer(ctx, custID)
	if err != nil {
		t.Fatal(err)
	}
	if profile.AssignedStaffID != "staff-1" {
		t.Fatalf("assignment: got %q", profile.AssignedStaffID)
	}

	// m2 after assignment: only the owner sees it.
	r.HandleFrame("hc", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m2", Content: "when is it ready?"}))
	m2, err := s.GetMessage(ctx, "m2")
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := m2.Receiver.IdentityID(); id != "staff-1" {
		t.Errorf("m2 receiver: got %v", m2.Receiver)
	}
	if gw.countByType("hs2", protocol.TypeMessageNew) != 1 {
		t.Error("staff-2 should not receive m2")
	}
	if gw.countByType("hs1", protocol.TypeMessageNew) != 2 {
		t.Error("staff-1 should receive m2")
	}

	// staff-1 replies with m3; the customer receipts it back.
	r.HandleFrame("hs1", frame(t, protocol.TypeSend, protocol.Send{MessageID: "m3", Content: "tomorrow 9am", TargetIdentityID: custID}))
	r.HandleFrame("hc", frame(t, protocol.TypeStatus, protocol.Status{MessageID: "m3", Kind: protocol.StatusReceived}))
	m3, err := s.GetMessage(ctx, "m3")
	if err != nil {
		t.Fatal(err)
	}
	if m3.State != store.StateReceived {
		t.Errorf("m3 state: got %v", m3.State)
	}
	if gw.countByType("hs1", protocol.TypeMessageStatus) != 1 {
		t.Error("receipt should route to m3's sender")
	}
}
