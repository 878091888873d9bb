package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			identity_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			device TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			assigned_staff_id TEXT NOT NULL DEFAULT '',
			last_disconnected_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_assigned_staff ON customers(assigned_staff_id)`,
		`CREATE TABLE IF NOT EXISTS staff (
			identity_id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			roles JSONB NOT NULL DEFAULT '[]',
			password_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			handle TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_identity_id ON sessions(identity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_kind ON sessions(kind)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			state INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			edited_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender_id ON messages(sender_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver_id ON messages(receiver_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			subject_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Customers ---

func (s *PostgresStore) UpsertCustomer(ctx context.Context, c *Customer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (identity_id, display_name, device, location, assigned_staff_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, '', $5, $6)
		 ON CONFLICT(identity_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   device = excluded.device,
		   location = excluded.location,
		   updated_at = excluded.updated_at`,
		c.IdentityID, c.DisplayName, c.Device, c.Location, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetCustomer(ctx context.Context, identityID string) (*Customer, error) {
	var c Customer
	var lastDisc sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT identity_id, display_name, device, location, assigned_staff_id, last_disconnected_at, created_at, updated_at
		 FROM customers WHERE identity_id = $1`, identityID,
	).Scan(&c.IdentityID, &c.DisplayName, &c.Device, &c.Location, &c.AssignedStaffID, &lastDisc, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if lastDisc.Valid {
		c.LastDisconnectedAt = &lastDisc.Time
	}
	return &c, err
}

func (s *PostgresStore) ListCustomers(ctx context.Context) ([]Customer, error) {
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

func (s *PostgresStore) SetCustomerLastDisconnected(ctx context.Context, identityID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE customers SET last_disconnected_at = $1, updated_at = $2 WHERE identity_id = $3",
		at, at, identityID,
	)
	return err
}

func (s *PostgresStore) AssignStaff(ctx context.Context, customerID, staffID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE customers SET assigned_staff_id = $1, updated_at = $2 WHERE identity_id = $3 AND assigned_staff_id = ''",
		staffID, time.Now(), customerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Staff ---

func (s *PostgresStore) UpsertStaff(ctx context.Context, st *Staff) error {
	roles, err := json.Marshal(st.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO staff (identity_id, email, name, roles, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT(identity_id) DO UPDATE SET
		   email = excluded.email,
		   name = excluded.name,
		   roles = excluded.roles,
		   password_hash = CASE WHEN excluded.password_hash != '' THEN excluded.password_hash ELSE staff.password_hash END`,
		st.IdentityID, st.Email, st.Name, string(roles), st.PasswordHash, st.CreatedAt,
	)
	return err
}

func (s *PostgresStore) scanStaff(row *sql.Row) (*Staff, error) {
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

func (s *PostgresStore) GetStaff(ctx context.Context, identityID string) (*Staff, error) {
	return s.scanStaff(s.db.QueryRowContext(ctx,
		"SELECT identity_id, email, name, roles, password_hash, created_at FROM staff WHERE identity_id = $1",
		identityID,
	))
}

func (s *PostgresStore) GetStaffByEmail(ctx context.Context, email string) (*Staff, error) {
	return s.scanStaff(s.db.QueryRowContext(ctx,
		"SELECT identity_id, email, name, roles, password_hash, created_at FROM staff WHERE email = $1",
		email,
	))
}

func (s *PostgresStore) ListStaff(ctx context.Context) ([]Staff, error) {
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

func (s *PostgresStore) PutSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (handle, identity_id, kind, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(handle) DO UPDATE SET identity_id=excluded.identity_id, kind=excluded.kind`,
		sess.Handle, sess.IdentityID, string(sess.Kind), sess.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, handle string) (*Session, error) {
	var sess Session
	var kind string
	err := s.db.QueryRowContext(ctx,
		"SELECT handle, identity_id, kind, created_at FROM sessions WHERE handle = $1", handle,
	).Scan(&sess.Handle, &sess.IdentityID, &kind, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	sess.Kind = SessionKind(kind)
	return &sess, err
}

func (s *PostgresStore) ListSessionsByIdentity(ctx context.Context, identityID string) ([]Session, error) {
	return s.listSessions(ctx,
		"SELECT handle, identity_id, kind, created_at FROM sessions WHERE identity_id = $1 ORDER BY created_at",
		identityID)
}

func (s *PostgresStore) ListSessionsByKind(ctx context.Context, kind SessionKind) ([]Session, error) {
	return s.listSessions(ctx,
		"SELECT handle, identity_id, kind, created_at FROM sessions WHERE kind = $1 ORDER BY created_at",
		string(kind))
}

func (s *PostgresStore) listSessions(ctx context.Context, query string, args ...any) ([]Session, error) {
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

func (s *PostgresStore) DeleteSession(ctx context.Context, handle string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE handle = $1", handle)
	return err
}

func (s *PostgresStore) DeleteSessionsByIdentity(ctx context.Context, identityID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE identity_id = $1", identityID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) PurgeSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions")
	return err
}

// --- Messages ---

func (s *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, content, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.SenderID, m.Receiver.id, m.Content, int(m.State), m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	var state int
	var editedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT id, sender_id, receiver_id, content, state, created_at, edited_at FROM messages WHERE id = $1", id,
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

func (s *PostgresStore) MessageExists(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE id = $1", id,
	).Scan(&count)
	return count > 0, err
}

func (s *PostgresStore) ListMessagesBySender(ctx context.Context, senderID string, limit int) ([]Message, error) {
	return s.listMessages(ctx,
		"SELECT id, sender_id, receiver_id, content, state, created_at, edited_at FROM messages WHERE sender_id = $1 ORDER BY created_at LIMIT $2",
		senderID, limit)
}

func (s *PostgresStore) ListMessagesByReceiver(ctx context.Context, r Receiver, limit int) ([]Message, error) {
	return s.listMessages(ctx,
		"SELECT id, sender_id, receiver_id, content, state, created_at, edited_at FROM messages WHERE receiver_id = $1 ORDER BY created_at LIMIT $2",
		r.id, limit)
}

func (s *PostgresStore) ListConversation(ctx context.Context, identityA, identityB string, limit int) ([]Message, error) {
	return s.listMessages(ctx,
		`SELECT id, sender_id, receiver_id, content, state, created_at, edited_at FROM messages
		 WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		 ORDER BY created_at LIMIT $3`,
		identityA, identityB, limit)
}

func (s *PostgresStore) listMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
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

func (s *PostgresStore) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3",
		content, editedAt, id,
	)
	return err
}

func (s *PostgresStore) AdvanceMessageState(ctx context.Context, id string, state MessageState) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET state = $1 WHERE id = $2 AND state < $1",
		int(state), id,
	)
	return err
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id)
	return err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, actor_id, subject_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Action, event.ActorID, event.SubjectID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, actor_id, subject_id, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
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

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
