// Package sqlstore implements storage.Driver on database/sql. The sqlite
// and postgres drivers wrap it with their dialect and connection setup.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/minesafe/pkg/storage"
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name string

	// Migrations are executed in order when the driver is created. They
	// must be idempotent.
	Migrations []string

	// Placeholder renders the n-th (1-based) bind parameter. Nil keeps "?".
	Placeholder func(n int) string
}

// DollarPlaceholder renders PostgreSQL style "$n" parameters.
func DollarPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// Driver implements storage.Driver over a *sql.DB.
type Driver struct {
	DB      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New runs the dialect's migrations on db and returns a Driver.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Driver, error) {
	for _, stmt := range dialect.Migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &Driver{
		DB:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

const sessionColumns = `id, title, description, status, model, message_count, total_tokens, created_at, updated_at, last_message_at`

const messageColumns = `id, session_id, role, content, status, model, tokens, created_at`

// CreateSession inserts session.
func (d *Driver) CreateSession(ctx context.Context, session *storage.Session) error {
	if session == nil {
		return errors.New("cannot store nil session")
	}
	if err := storage.PrepareSession(session, d.now()); err != nil {
		return err
	}

	_, err := d.DB.ExecContext(ctx, d.rebind(`INSERT INTO chat_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		session.ID, session.Title, session.Description, string(session.Status), session.Model,
		session.MessageCount, session.TotalTokens,
		toNanos(session.CreatedAt), toNanos(session.UpdatedAt), nullNanos(session.LastMessageAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession selects a session by id.
func (d *Driver) GetSession(ctx context.Context, id uuid.UUID) (*storage.Session, error) {
	row := d.DB.QueryRowContext(ctx, d.rebind(`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`), id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.SessionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting session: %w", err)
	}
	return s, nil
}

// ListSessions selects sessions ordered by last update.
func (d *Driver) ListSessions(ctx context.Context, opts storage.ListOptions) ([]*storage.Session, error) {
	dir := "DESC"
	if opts.Order == storage.OrderAsc {
		dir = "ASC"
	}

	var (
		where string
		args  []any
	)
	if opts.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(opts.Status))
	}
	args = append(args, limit(opts), opts.Offset)

	query := `SELECT ` + sessionColumns + ` FROM chat_sessions` + where +
		` ORDER BY updated_at ` + dir + `, created_at ` + dir + ` LIMIT ? OFFSET ?`

	rows, err := d.DB.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*storage.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSessions counts sessions, optionally by status.
func (d *Driver) CountSessions(ctx context.Context, status storage.SessionStatus) (int, error) {
	query := `SELECT COUNT(*) FROM chat_sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}

	var n int
	if err := d.DB.QueryRowContext(ctx, d.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

// UpdateSession updates the provided fields and bumps updated_at.
func (d *Driver) UpdateSession(ctx context.Context, id uuid.UUID, update storage.SessionUpdate) (*storage.Session, error) {
	if update.Status != nil && !update.Status.Valid() {
		return nil, storage.ErrInvalidStatus
	}

	sets := []string{"updated_at = ?"}
	args := []any{toNanos(d.now())}
	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *update.Title)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	args = append(args, id)

	res, err := d.DB.ExecContext(ctx, d.rebind(`UPDATE chat_sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	if err := expectRow(res, id); err != nil {
		return nil, err
	}

	return d.GetSession(ctx, id)
}

// DeleteSession deletes a session and its messages in one transaction.
func (d *Driver) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM chat_messages WHERE session_id = ?`), id); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM chat_sessions WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		return expectRow(res, id)
	})
}

// SaveMessage inserts msg and updates its session's counters.
func (d *Driver) SaveMessage(ctx context.Context, msg *storage.Message) error {
	if msg == nil {
		return errors.New("cannot store nil message")
	}
	now := d.now()
	if err := storage.PrepareMessage(msg, now); err != nil {
		return err
	}

	return d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, d.rebind(`UPDATE chat_sessions
			SET message_count = message_count + 1,
				total_tokens = total_tokens + ?,
				last_message_at = ?,
				updated_at = ?
			WHERE id = ?`),
			msg.Tokens, toNanos(msg.CreatedAt), toNanos(now), msg.SessionID,
		)
		if err != nil {
			return fmt.Errorf("updating session counters: %w", err)
		}
		if err := expectRow(res, msg.SessionID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, d.rebind(`INSERT INTO chat_messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			msg.ID, msg.SessionID, msg.Role, msg.Content, string(msg.Status), msg.Model,
			msg.Tokens, toNanos(msg.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		return nil
	})
}

// ListMessages selects a session's messages in insertion order.
func (d *Driver) ListMessages(ctx context.Context, sessionID uuid.UUID, opts storage.ListOptions) ([]*storage.Message, error) {
	if _, err := d.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	dir := "ASC"
	if opts.Order == storage.OrderDesc {
		dir = "DESC"
	}

	rows, err := d.DB.QueryContext(ctx, d.rebind(`SELECT `+messageColumns+` FROM chat_messages
		WHERE session_id = ? ORDER BY seq `+dir+` LIMIT ? OFFSET ?`),
		sessionID, limit(opts), opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []*storage.Message
	for rows.Next() {
		var (
			m       storage.Message
			status  string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &status, &m.Model, &m.Tokens, &created); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Status = storage.MessageStatus(status)
		m.CreatedAt = fromNanos(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ClearMessages deletes a session's messages and resets its counters.
func (d *Driver) ClearMessages(ctx context.Context, sessionID uuid.UUID) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, d.rebind(`UPDATE chat_sessions
			SET message_count = 0, total_tokens = 0, last_message_at = NULL, updated_at = ?
			WHERE id = ?`),
			toNanos(d.now()), sessionID,
		)
		if err != nil {
			return fmt.Errorf("resetting session counters: %w", err)
		}
		if err := expectRow(res, sessionID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM chat_messages WHERE session_id = ?`), sessionID); err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		return nil
	})
}

// Close closes the database.
func (d *Driver) Close() error {
	return d.DB.Close()
}

func (d *Driver) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// rebind rewrites "?" parameters for the dialect.
func (d *Driver) rebind(query string) string {
	if d.dialect.Placeholder == nil {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*storage.Session, error) {
	var (
		s                storage.Session
		status           string
		created, updated int64
		last             sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.Title, &s.Description, &status, &s.Model,
		&s.MessageCount, &s.TotalTokens, &created, &updated, &last)
	if err != nil {
		return nil, err
	}

	s.Status = storage.SessionStatus(status)
	s.CreatedAt = fromNanos(created)
	s.UpdatedAt = fromNanos(updated)
	if last.Valid {
		t := fromNanos(last.Int64)
		s.LastMessageAt = &t
	}
	return &s, nil
}

func expectRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return storage.SessionNotFound(id)
	}
	return nil
}

func limit(opts storage.ListOptions) int {
	if opts.Limit <= 0 {
		return math.MaxInt32
	}
	return opts.Limit
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}
