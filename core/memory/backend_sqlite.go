package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists items in a single memory_items table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens or creates the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	ctx, cancel := opContext(context.Background())
	defer cancel()
	_, err := b.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS memory_items (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		org_id       TEXT NOT NULL,
		space_id     TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		kind         TEXT NOT NULL,
		facet_code   TEXT NOT NULL DEFAULT '',
		entities     TEXT NOT NULL DEFAULT '[]',
		tags         TEXT NOT NULL DEFAULT '[]',
		significance REAL NOT NULL,
		created_at   TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		payload      TEXT,
		mode         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_items_tenant ON memory_items(org_id, space_id, user_id, seq);
	`)
	return err
}

func (b *SQLiteBackend) Insert(ctx context.Context, item Item) error {
	entities, err := json.Marshal(item.Entities)
	if err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	var payload any
	if len(item.Payload) > 0 {
		payload = string(item.Payload)
	}

	cctx, cancel := opContext(ctx)
	defer cancel()
	tx, err := b.db.BeginTx(cctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(cctx, `INSERT INTO memory_items
		(id, org_id, space_id, user_id, kind, facet_code, entities, tags, significance, created_at, content, payload, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.OrgID, item.SpaceID, item.UserID, string(item.Kind), item.FacetCode,
		string(entities), string(tags), item.Significance, item.Timestamp.UTC().Format(time.RFC3339Nano),
		item.Content, payload, string(item.Mode))
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Scan(ctx context.Context, tenant TenantContext) ([]Item, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	rows, err := b.db.QueryContext(cctx, `SELECT id, org_id, space_id, user_id, kind, facet_code, entities, tags,
		significance, created_at, content, payload, mode
		FROM memory_items WHERE org_id = ? AND space_id = ? AND user_id = ? ORDER BY seq ASC`,
		tenant.OrgID, tenant.SpaceID, tenant.UserID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	out := []Item{}
	for rows.Next() {
		var (
			item           Item
			kind, mode     string
			entities, tags string
			createdAt      string
			payload        sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.OrgID, &item.SpaceID, &item.UserID, &kind, &item.FacetCode,
			&entities, &tags, &item.Significance, &createdAt, &item.Content, &payload, &mode); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.Kind = Kind(kind)
		item.Mode = Mode(mode)
		if err := json.Unmarshal([]byte(entities), &item.Entities); err != nil {
			return nil, fmt.Errorf("decode entities: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		if item.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if payload.Valid {
			item.Payload = json.RawMessage(payload.String)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Remove(ctx context.Context, tenant TenantContext, id string) (bool, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	res, err := b.db.ExecContext(cctx, `DELETE FROM memory_items WHERE id = ? AND org_id = ? AND space_id = ? AND user_id = ?`,
		id, tenant.OrgID, tenant.SpaceID, tenant.UserID)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	return n > 0, nil
}

func (b *SQLiteBackend) Count(ctx context.Context) (int, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	var n int
	if err := b.db.QueryRowContext(cctx, `SELECT COUNT(*) FROM memory_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

func (b *SQLiteBackend) Kind() string { return "sqlite" }

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
