// Package api provides the HTTP surface of the hub: health checks, staff
// login, the WebSocket endpoint, and read APIs for the staff console.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/auth"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/config"
	"github.com/Auto-Lab-Solutions/Web-Backend-sub001/internal/store"
)

// Presence reports whether an identity currently has a live session.
type Presence interface {
	IsOnline(identityID string) bool
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	resolver     auth.Resolver
	loginService *auth.Service // nil when staff credentials are external
	presence     Presence
	logger       *slog.Logger
	mux          *chi.Mux
	maxBodyBytes int64
	loginRL      *rateLimiter
	rl           *rateLimiter
}

// NewServer creates a new API server. wsHandler serves the transport
// endpoint; the handshake continues in-band after the upgrade.
func NewServer(s store.Store, resolver auth.Resolver, login *auth.Service, presence Presence, wsHandler http.HandlerFunc, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		resolver:     resolver,
		loginService: login,
		presence:     presence,
		logger:       logger.With("component", "api"),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Login route only registered when using builtin auth.
	if login != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// Transport endpoint (identity established in-band via init)
	mux.Get("/ws", wsHandler)

	// Authenticated staff API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/messages", srv.handleListMessages)
		r.Get("/api/customers", srv.handleListCustomers)

		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/admin/audit", srv.handleListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	token, err := s.loginService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.auditLogin(r.Context(), "login.failed", "", req.Email)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	staffID := ""
	if st, _ := s.store.GetStaffByEmail(r.Context(), req.Email); st != nil {
		staffID = st.IdentityID
	}
	s.auditLogin(r.Context(), "login.success", staffID, req.Email)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) auditLogin(ctx context.Context, action, actorID, email string) {
	err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		ActorID:   actorID,
		Detail:    json.RawMessage(fmt.Sprintf(`{"email":%q}`, email)),
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    identity.SubjectID,
		"email": identity.Email,
		"name":  identity.Name,
		"roles": identity.Roles,
	})
}

// --- Console handlers ---

// handleListMessages returns conversation history for the authenticated
// staff member. With ?peer=<identityID> it returns the two-party
// conversation; without it, the backlog of unclaimed customer messages.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	limit := queryInt(r, "limit", 200)

	var (
		messages []store.Message
		err      error
	)
	if peer := r.URL.Query().Get("peer"); peer != "" {
		messages, err = s.store.ListConversation(r.Context(), identity.SubjectID, peer, limit)
	} else {
		messages, err = s.store.ListMessagesByReceiver(r.Context(), store.AnyStaff(), limit)
	}
	if err != nil {
		s.logger.Error("list messages", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}

	out := make([]messageView, len(messages))
	for i, m := range messages {
		out[i] = newMessageView(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type messageView struct {
	ID        string     `json:"id"`
	SenderID  string     `json:"sender_id"`
	Receiver  string     `json:"receiver"`
	Content   string     `json:"content"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

func newMessageView(m store.Message) messageView {
	return messageView{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Receiver:  m.Receiver.String(),
		Content:   m.Content,
		State:     m.State.String(),
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
	}
}

func (s *Server) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := s.store.ListCustomers(r.Context())
	if err != nil {
		s.logger.Error("list customers", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list customers")
		return
	}

	type customerView struct {
		store.Customer
		Online bool `json:"online"`
	}
	out := make([]customerView, len(customers))
	for i, c := range customers {
		out[i] = customerView{Customer: c, Online: s.presence.IsOnline(c.IdentityID)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": out})
}

// --- Admin handlers ---

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list audit events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- Helpers ---

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
