package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/dimas4dev/talkiplay/internal/notification"
)

const (
	sqlTableName        = "notifications"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sqlx.DB, error)

// SQLRepository stores notifications in Postgres ("postgres" driver) or
// SQLite ("sqlite" driver). The schema is created on first use.
type SQLRepository struct {
	driver string
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sqlx.DB
}

type notificationRow struct {
	ID          string         `db:"id"`
	Type        string         `db:"type"`
	Title       string         `db:"title"`
	Message     string         `db:"message"`
	Data        sql.NullString `db:"data"`
	RecipientID string         `db:"recipient_id"`
	SenderID    sql.NullString `db:"sender_id"`
	IsRead      bool           `db:"is_read"`
	CreatedAt   time.Time      `db:"created_at"`
	ReadAt      sql.NullTime   `db:"read_at"`
}

func NewSQLRepository(driver, dsn string) (*SQLRepository, error) {
	driver = strings.TrimSpace(driver)
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty dsn", ErrInvalidInput)
	}
	switch driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("%w: sql driver %q", ErrNotImplemented, driver)
	}
	return &SQLRepository{driver: driver, dsn: dsn, openDB: sqlx.Open}, nil
}

func (r *SQLRepository) schema() []string {
	if r.driver == "postgres" {
		return []string{fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				title TEXT NOT NULL,
				message TEXT NOT NULL,
				data TEXT,
				recipient_id TEXT NOT NULL,
				sender_id TEXT,
				is_read BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL,
				read_at TIMESTAMPTZ
			)`, sqlTableName),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_created_at_idx ON %s (created_at DESC)`, sqlTableName, sqlTableName),
		}
	}
	return []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				title TEXT NOT NULL,
				message TEXT NOT NULL,
				data TEXT,
				recipient_id TEXT NOT NULL,
				sender_id TEXT,
				is_read BOOLEAN NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL,
				read_at TIMESTAMP
			)`, sqlTableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_created_at_idx ON %s (created_at DESC)`, sqlTableName, sqlTableName),
	}
}

func (r *SQLRepository) ensureReady() error {
	r.initOnce.Do(func() {
		db, err := r.openDB(r.driver, r.dsn)
		if err != nil {
			r.initErr = fmt.Errorf("opening %s db: %w", r.driver, err)
			return
		}
		if r.driver == "sqlite" {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range r.schema() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				r.initErr = fmt.Errorf("migrating %s db: %w", r.driver, err)
				return
			}
		}
		r.db = db
	})
	return r.initErr
}

func (r *SQLRepository) List(ctx context.Context, recipient string) ([]notification.Notification, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := "SELECT id, type, title, message, data, recipient_id, sender_id, is_read, created_at, read_at FROM " + sqlTableName
	var args []any
	if recipient != "" {
		query += " WHERE recipient_id = ?"
		args = append(args, recipient)
	}
	query += " ORDER BY created_at DESC, id DESC"

	var rows []notificationRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	out := make([]notification.Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toNotification())
	}
	return out, nil
}

func (r *SQLRepository) Create(ctx context.Context, n notification.Notification) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	row := rowFromNotification(n)
	query := r.db.Rebind(`INSERT INTO ` + sqlTableName + ` (id, type, title, message, data, recipient_id, sender_id, is_read, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	res, err := r.db.ExecContext(ctx, query,
		row.ID, row.Type, row.Title, row.Message, row.Data, row.RecipientID, row.SenderID, row.IsRead, row.CreatedAt, row.ReadAt)
	if err != nil {
		return fmt.Errorf("inserting notification %q: %w", n.ID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *SQLRepository) MarkRead(ctx context.Context, id string, at time.Time) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var isRead bool
	err := r.db.GetContext(ctx, &isRead, r.db.Rebind("SELECT is_read FROM "+sqlTableName+" WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading notification %q: %w", id, err)
	}
	if isRead {
		return nil
	}
	query := r.db.Rebind("UPDATE " + sqlTableName + " SET is_read = ?, read_at = ? WHERE id = ? AND is_read = ?")
	if _, err := r.db.ExecContext(ctx, query, true, at.UTC(), id, false); err != nil {
		return fmt.Errorf("marking notification %q read: %w", id, err)
	}
	return nil
}

func (r *SQLRepository) MarkAllRead(ctx context.Context, at time.Time) (int, error) {
	if err := r.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := r.db.Rebind("UPDATE " + sqlTableName + " SET is_read = ?, read_at = ? WHERE is_read = ?")
	res, err := r.db.ExecContext(ctx, query, true, at.UTC(), false)
	if err != nil {
		return 0, fmt.Errorf("marking all notifications read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, r.db.Rebind("DELETE FROM "+sqlTableName+" WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("deleting notification %q: %w", id, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func rowFromNotification(n notification.Notification) notificationRow {
	row := notificationRow{
		ID:          n.ID,
		Type:        string(n.Type),
		Title:       n.Title,
		Message:     n.Message,
		RecipientID: n.RecipientID,
		IsRead:      n.IsRead,
		CreatedAt:   n.CreatedAt.UTC(),
	}
	if len(n.Data) > 0 {
		row.Data = sql.NullString{String: string(n.Data), Valid: true}
	}
	if n.SenderID != "" {
		row.SenderID = sql.NullString{String: n.SenderID, Valid: true}
	}
	if n.ReadAt != nil {
		row.ReadAt = sql.NullTime{Time: n.ReadAt.UTC(), Valid: true}
	}
	return row
}

func (row notificationRow) toNotification() notification.Notification {
	n := notification.Notification{
		ID:          row.ID,
		Type:        notification.Type(row.Type),
		Title:       row.Title,
		Message:     row.Message,
		RecipientID: row.RecipientID,
		SenderID:    row.SenderID.String,
		IsRead:      row.IsRead,
		CreatedAt:   row.CreatedAt.UTC(),
	}
	if row.Data.Valid {
		n.Data = []byte(row.Data.String)
	}
	if row.ReadAt.Valid {
		at := row.ReadAt.Time.UTC()
		n.ReadAt = &at
	}
	return n
}
