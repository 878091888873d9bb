package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data. Without this, each pooled connection gets a
	// separate empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			identity_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			device TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			assigned_staff_id TEXT NOT NULL DEFAULT '',
			last_disconnected_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_assigned_staff ON customers(assigned_staff_id)`,
		`CREATE TABLE IF NOT EXISTS staff (
			identity_id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			roles TEXT NOT NULL DEFAULT '[]',
			password_hash TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			handle TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_identity_id ON sessions(identity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_kind ON sessions(kind)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			state INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			edited_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender_id ON messages(sender_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver_id ON messages(receiver_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			subject_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Customers ---

func (s *SQLiteStore) UpsertCustomer(ctx context.Context, c *Customer) error {
	// Contact metadata only: assigned_staff_id and last_disconnected_at
	// have dedicated mutators and must never be clobbered here.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (identity_id, display_name, device, location, assigned_staff_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', ?, ?)
		 ON CONFLICT(identity_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   device = excluded.device,
		   location = excluded.location,
		   updated_at = excluded.updated_at`,
		c.IdentityID, c.DisplayName, c.Device, c.Location, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetCustomer(ctx context.Context, identityID string) (*Customer, error) {
	var c Customer
	var lastDisc sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT identity_id, display_name, device, location, assigned_staff_id, last_disconnected_at, created_at, updated_at
		 FROM customers WHERE identity_id = ?`, identityID,
	).Scan(&c.IdentityID, &c.DisplayName, &c.Device, &c.Location, &c.AssignedStaffID, &lastDisc, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if lastDisc.Valid {
		c.LastDisconnectedAt = &lastDisc.Time
	}
	return &c, err
}

func (s *SQLiteStore) ListCustomers(ctx context.Context) ([]Customer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity_id, display_name, device, location, assigned_staff_id, last_disconnected_at, created_at, updated_at
		 FROM customers ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []Customer
	for rows.Next() {
		var c Customer
		var lastDisc sql.NullTime
		if err := rows.Scan(&c.IdentityID, &c.DisplayName, &c.Device, &c.Location, &c.AssignedStaffID, &lastDisc, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if lastDisc.Valid {
			c.LastDisconnectedAt = &lastDisc.Time
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *SQLiteStore) SetCustomerLastDisconnected(ctx context.Context, identityID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE customers SET last_disconnected_at = ?, updated_at = ? WHERE identity_id = ?",
		at, at, identityID,
	)
	return err
}

func (s *SQLiteStore) AssignStaff(ctx context.Context, customerID, staffID string) (bool, error) {
	// Conditional write: the claim only lands if nobody holds the
	// conversation yet. Two concurrent claimants cannot both succeed.
	res, err := s.db.ExecContext(ctx,
		"UPDATE customers SET assigned_staff_id = ?, updated_at = ? WHERE identity_id = ? AND assigned_staff_id = ''",
		staffID, time.Now(), customerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Staff ---

func (s *SQLiteStore) UpsertStaff(ctx context.Context, st *Staff) error {
	roles, err := json.Marshal(st.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO staff (identity_id, email, name, roles, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity_id) DO UPDATE SET
		   email = excluded.email,
		   name = excluded.name,
		   roles = excluded.roles,
		   password_hash = CASE WHEN excluded.password_hash != '' THEN excluded.password_hash ELSE staff.password_hash END`,
		st.IdentityID, st.Email, st.Name, string(roles), st.PasswordHash, st.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) scanStaff(row *sql.Row) (*Staff, error) {
	var st Staff
	var roles string
	err := row.Scan(&st.IdentityID, &st.Email, &st.Name, &roles, &st.PasswordHash, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roles), &st.Roles); err != nil {
		return nil, fmt.Errorf("unmarshal roles: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) GetStaff(ctx context.Context, identityID string) (*Staff, error) {
	return s.scanStaff(s.db.QueryRowContext(ctx,
		"SELECT identity_id, email, name, roles, password_hash, created_at FROM staff WHERE identity_id = ?",
		identityID,
	))
}

func (s *SQLiteStore) GetStaffByEmail(ctx context.Context, email string) (*Staff, error) {
	return s.scanStaff(s.db.QueryRowContext(ctx,
		"SELECT identity_id, email, name, roles, password_hash, created_at FROM staff WHERE email = ?",
		email,
	))
}

func (s *SQLiteStore) ListStaff(ctx context.Context) ([]Staff, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT identity_id, email, name, roles, password_hash, created_at FROM staff ORDER BY email",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Staff
	for rows.Next() {
		var st Staff
		var roles string
		if err := rows.Scan(&st.IdentityID, &st.Email, &st.Name, &roles, &st.PasswordHash, &st.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(roles), &st.Roles); err != nil {
			return nil, fmt.Errorf("unmarshal roles: %w", err)
		}
		members = append(members, st)
	}
	return members, rows.Err()
}

// --- Sessions ---

func (s *SQLiteStore) PutSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (handle, identity_id, kind, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(handle) DO UPDATE SET identity_id=excluded.identity_id, kind=excluded.kind`,
		sess.Handle, sess.IdentityID, string(sess.Kind), sess.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, handle string) (*Session, error) {
	var sess Session
	var kind string
	err := s.db.QueryRowContext(ctx,
		"SELECT handle, identity_id, kind, created_at FROM sessions WHERE handle = ?", handle,
	).Scan(&sess.Handle, &sess.IdentityID, &kind, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	sess.Kind = SessionKind(kind)
	return &sess, err
}

func (s *SQLiteStore) ListSessionsByIdentity(ctx context.Context, identityID string) ([]Session, error) {
	return s.listSessions(ctx,
		"SELECT handle, identity_id, kind, created_at FROM sessions WHERE identity_id = ? ORDER BY created_at",
		identityID)
}

func (s *SQLiteStore) ListSessionsByKind(ctx context.Context, kind SessionKind) ([]Session, error) {
	return s.listSessions(ctx,
		"SELECT handle, identity_id, kind, created_at FROM sessions WHERE kind = ? ORDER BY created_at",
		string(kind))
}

func (s *SQLiteStore) listSessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var kind string
		if err := rows.Scan(&sess.Handle, &sess.IdentityID, &kind, &sess.CreatedAt); err != nil {
			return nil, err
		}
		sess.Kind = SessionKind(kind)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, handle string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE handle = ?", handle)
	return err
}

func (s *SQLiteStore) DeleteSessionsByIdentity(ctx context.Context, identityID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE identity_id = ?", identityID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PurgeSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions")
	return err
}

// --- Messages ---

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, content, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.Receiver.id, m.Content, int(m.State), m.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	var state int
	var editedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT id, sender_id, receiver_id, content, state, created_at, edited_at FROM messages WHERE id = ?", id,
	).Scan(&m.ID, &m.SenderID, &m.Receiver.id, &m.Content, &state, &m.CreatedAt, &editedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	m.State = MessageState(state)
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	return &m, err
}

func (s *SQLiteStore) MessageExists(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE id = ?", id,
	).Scan(&count)
	return count > 0, err
}

func (s *SQLiteStore) ListMessagesBySender(ctx context.Context, senderID string, limit int) ([]Message, error) {
	return s.listMessages(ctx,
		"SELECT id, sender_id, receiver_id, content, state, created_at, edited_at FROM messages WHERE sender_id = ? ORDER BY created_at LIMIT ?",
		senderID, limit)
}

func (s *SQLiteStore) ListMessagesByReceiver(ctx context.Context, r Receiver, limit int) ([]Message, error) {
	return s.listMessages(ctx,
		"SELECT id, sender_id, receiver_id, content, state, created_at, edited_at FROM messages WHERE receiver_id = ? ORDER BY created_at LIMIT ?",
		r.id, limit)
}

func (s *SQLiteStore) ListConversation(ctx context.Context, identityA, identityB string, limit int) ([]Message, error) {
	return s.listMessages(ctx,
		`SELECT id, sender_id, receiver_id, content, state, created_at, edited_at FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		 ORDER BY created_at LIMIT ?`,
		identityA, identityB, identityB, identityA, limit)
}

func (s *SQLiteStore) listMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var state int
		var editedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Receiver.id, &m.Content, &state, &m.CreatedAt, &editedAt); err != nil {
			return nil, err
		}
		m.State = MessageState(state)
		if editedAt.Valid {
			m.EditedAt = &editedAt.Time
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET content = ?, edited_at = ? WHERE id = ?",
		content, editedAt, id,
	)
	return err
}

func (s *SQLiteStore) AdvanceMessageState(ctx context.Context, id string, state MessageState) error {
	// Monotonic by construction: regressions match zero rows.
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET state = ? WHERE id = ? AND state < ?",
		int(state), id, int(state),
	)
	return err
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	return err
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, actor_id, subject_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.ActorID, event.SubjectID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, actor_id, subject_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.SubjectID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
