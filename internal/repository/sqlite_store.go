package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
)

// SQLiteStore keeps notifications in a local SQLite database. It uses a
// single connection, so statements are serialized; that also makes
// ":memory:" databases usable.
type SQLiteStore struct {
	db *sqlx.DB
}

type notificationRow struct {
	ID             int64          `db:"id"`
	RecipientType  string         `db:"recipient_type"`
	RecipientID    int64          `db:"recipient_id"`
	Title          string         `db:"title"`
	Message        string         `db:"message"`
	Data           string         `db:"data"`
	IsRead         bool           `db:"is_read"`
	CreatedAt      int64          `db:"created_at"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
}

const selectColumns = `id, recipient_type, recipient_id, title, message, data, is_read, created_at, idempotency_key`

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding data: %v", errs.ErrInvalidNotification, err)
	}
	key := sql.NullString{String: n.IdempotencyKey, Valid: n.IdempotencyKey != ""}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", sqliteErr(err))
	}
	defer tx.Rollback()

	if key.Valid {
		var prev notificationRow
		err := tx.GetContext(ctx, &prev,
			`SELECT `+selectColumns+` FROM notifications
			 WHERE recipient_type = ? AND recipient_id = ? AND idempotency_key = ?`,
			string(n.RecipientType), n.RecipientID, key)
		switch {
		case err == nil:
			rec, derr := prev.toModel()
			if derr != nil {
				return nil, derr
			}
			return rec, fmt.Errorf("append %s key %q: %w", n.Recipient(), n.IdempotencyKey, errs.ErrDuplicate)
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("checking idempotency key: %w", sqliteErr(err))
		}
	}

	createdAt := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (
			recipient_type, recipient_id, title, message, data, is_read, created_at, idempotency_key
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		string(n.RecipientType), n.RecipientID, n.Title, n.Message, string(data), createdAt.UnixNano(), key,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting notification: %w", sqliteErr(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading inserted id: %w", sqliteErr(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", sqliteErr(err))
	}

	rec := n.Clone()
	rec.ID = id
	rec.CreatedAt = createdAt
	rec.Read = false
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, r model.Recipient) ([]*model.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM notifications
		 WHERE recipient_type = ? AND recipient_id = ?
		 ORDER BY id DESC`,
		string(r.Type), r.ID)
	if err != nil {
		return nil, fmt.Errorf("listing notifications for %s: %w", r, sqliteErr(err))
	}
	out := make([]*model.Notification, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLiteStore) UnreadCount(ctx context.Context, r model.Recipient) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM notifications
		 WHERE recipient_type = ? AND recipient_id = ? AND is_read = 0`,
		string(r.Type), r.ID)
	if err != nil {
		return 0, fmt.Errorf("counting unread for %s: %w", r, sqliteErr(err))
	}
	return n, nil
}

func (s *SQLiteStore) MarkRead(ctx context.Context, r model.Recipient, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1
		 WHERE id = ? AND recipient_type = ? AND recipient_id = ?`,
		id, string(r.Type), r.ID)
	if err != nil {
		return fmt.Errorf("marking %d read: %w", id, sqliteErr(err))
	}
	return requireRow(res, "mark read", r, id)
}

func (s *SQLiteStore) MarkAllRead(ctx context.Context, r model.Recipient) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1
		 WHERE recipient_type = ? AND recipient_id = ? AND is_read = 0`,
		string(r.Type), r.ID)
	if err != nil {
		return 0, fmt.Errorf("marking all read for %s: %w", r, sqliteErr(err))
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Delete(ctx context.Context, r model.Recipient, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = ? AND recipient_type = ? AND recipient_id = ?`,
		id, string(r.Type), r.ID)
	if err != nil {
		return fmt.Errorf("deleting %d: %w", id, sqliteErr(err))
	}
	return requireRow(res, "delete", r, id)
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, r model.Recipient) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE recipient_type = ? AND recipient_id = ?`,
		string(r.Type), r.ID)
	if err != nil {
		return 0, fmt.Errorf("deleting all for %s: %w", r, sqliteErr(err))
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return sqliteErr(s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteErr marks failures of the database itself as ErrStoreUnavailable so
// the breaker can count them. Constraint and query errors pass through.
func sqliteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_FULL, sqlite3.SQLITE_READONLY:
			return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
		}
	}
	return err
}

func requireRow(res sql.Result, op string, r model.Recipient, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d for %s: %w", op, id, r, errs.ErrNotFound)
	}
	return nil
}

func (row notificationRow) toModel() (*model.Notification, error) {
	t, err := model.ParseUserType(row.RecipientType)
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", row.ID, err)
	}
	var data map[string]any
	if row.Data != "" {
		if err := json.Unmarshal([]byte(row.Data), &data); err != nil {
			return nil, fmt.Errorf("row %d: decoding data: %w", row.ID, err)
		}
	}
	return &model.Notification{
		ID:             row.ID,
		RecipientType:  t,
		RecipientID:    row.RecipientID,
		Title:          row.Title,
		Message:        row.Message,
		Data:           data,
		Read:           row.IsRead,
		CreatedAt:      time.Unix(0, row.CreatedAt).UTC(),
		IdempotencyKey: row.IdempotencyKey.String,
	}, nil
}
