package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect 描述 SQL 后端之间的差异：驱动名、建表语句与占位符风格。
type Dialect struct {
	Driver   string
	schema   []string
	numbered bool
}

var (
	// DialectSQLite 使用 modernc.org/sqlite（纯 Go 驱动）。
	DialectSQLite = Dialect{
		Driver:   "sqlite",
		numbered: false,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS edge_partitions (
	name TEXT PRIMARY KEY
)`,
			`CREATE TABLE IF NOT EXISTS edge_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	partition_name TEXT NOT NULL,
	entry_key TEXT NOT NULL,
	status INTEGER NOT NULL,
	header BLOB NOT NULL,
	body BLOB NOT NULL,
	UNIQUE (partition_name, entry_key)
)`,
		},
	}

	// DialectPostgres 使用 lib/pq。
	DialectPostgres = Dialect{
		Driver:   "postgres",
		numbered: true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS edge_partitions (
	name TEXT PRIMARY KEY
)`,
			`CREATE TABLE IF NOT EXISTS edge_entries (
	seq BIGSERIAL PRIMARY KEY,
	partition_name TEXT NOT NULL,
	entry_key TEXT NOT NULL,
	status INTEGER NOT NULL,
	header BYTEA NOT NULL,
	body BYTEA NOT NULL,
	UNIQUE (partition_name, entry_key)
)`,
		},
	}
)

// rebind 将 ? 占位符改写为方言对应的形式（Postgres 使用 $1、$2 ...）。
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// OpenSQLStore 打开数据库并完成建表。SQLite 限制为单连接，避免 SQLITE_BUSY。
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string) (Store, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect.Driver, err)
	}
	if dialect.Driver == DialectSQLite.Driver {
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore 基于已有连接构建分区存储，并执行幂等建表。
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (Store, error) {
	for _, stmt := range dialect.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate %s store: %w", dialect.Driver, err)
		}
	}
	return &sqlStore{db: db, dialect: dialect}, nil
}

type sqlStore struct {
	db      *sql.DB
	dialect Dialect
}

func (s *sqlStore) q(query string) string { return s.dialect.rebind(query) }

func (s *sqlStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ValidatePartitionName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO edge_partitions (name) VALUES (?) ON CONFLICT (name) DO NOTHING`), name)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return &sqlPartition{store: s, name: name}, nil
}

func (s *sqlStore) Has(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM edge_partitions WHERE name = ?`), name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *sqlStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM edge_partitions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqlStore) Drop(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM edge_entries WHERE partition_name = ?`), name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM edge_partitions WHERE name = ?`), name)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type sqlPartition struct {
	store *sqlStore
	name  string
}

func (p *sqlPartition) Name() string { return p.name }

func (p *sqlPartition) Match(ctx context.Context, key string) (*Response, error) {
	var (
		status int
		header []byte
		body   []byte
	)
	err := p.store.db.QueryRowContext(ctx,
		p.store.q(`SELECT status, header, body FROM edge_entries WHERE partition_name = ? AND entry_key = ?`),
		p.name, key,
	).Scan(&status, &header, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	resp := &Response{Status: status, Header: http.Header{}, Body: body}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &resp.Header); err != nil {
			return nil, fmt.Errorf("decode header: %w", err)
		}
	}
	return resp, nil
}

// Put 先删除旧行再插入，新的自增 seq 使条目移动到枚举末尾。
func (p *sqlPartition) Put(ctx context.Context, key string, resp *Response) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := p.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		p.store.q(`DELETE FROM edge_entries WHERE partition_name = ? AND entry_key = ?`), p.name, key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		p.store.q(`INSERT INTO edge_entries (partition_name, entry_key, status, header, body) VALUES (?, ?, ?, ?, ?)`),
		p.name, key, resp.Status, header, body); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *sqlPartition) Delete(ctx context.Context, key string) (bool, error) {
	res, err := p.store.db.ExecContext(ctx,
		p.store.q(`DELETE FROM edge_entries WHERE partition_name = ? AND entry_key = ?`), p.name, key)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *sqlPartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.store.db.QueryContext(ctx,
		p.store.q(`SELECT entry_key FROM edge_entries WHERE partition_name = ? ORDER BY seq`), p.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
