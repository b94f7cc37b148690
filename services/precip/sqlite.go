//go:build !rp2040 && !rp2350

// services/precip/sqlite.go
package precip

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"

	"rtucode-go/errcode"
	"rtucode-go/services/logging"
)

const schema = `CREATE TABLE IF NOT EXISTS buckets (
	k BLOB PRIMARY KEY,
	v BLOB NOT NULL
) WITHOUT ROWID`

// SQLiteIndex keeps buckets in a single-table sqlite file. Every statement
// commits with synchronous=FULL, so a returned Put survives power loss.
type SQLiteIndex struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the index at path. A file that sqlite cannot
// read is removed and replaced by an empty index.
func OpenSQLite(path string, log *slog.Logger) (*SQLiteIndex, error) {
	log = logging.Or(log)
	idx, err := openSQLite(path)
	if err == nil {
		return idx, nil
	}
	if !isCorrupt(err) {
		return nil, err
	}
	log.Warn("precip_store_corrupt", "path", path, "err", err)
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if rerr := os.Remove(p); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return nil, errcode.Wrap(errcode.CorruptStore, "precip remove", rerr)
		}
	}
	return openSQLite(path)
}

func openSQLite(path string) (*SQLiteIndex, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("precip open: %w", err)
	}
	// One writer; the store serialises access anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("precip ping: %w", err)
	}
	var check string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&check); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("precip check: %w", err)
	}
	if check != "ok" {
		_ = db.Close()
		return nil, &errcode.E{C: errcode.CorruptStore, Op: "precip check", Msg: check}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("precip schema: %w", err)
	}
	return &SQLiteIndex{db: db, path: path}, nil
}

func buildDSN(path string) (string, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	params := []string{
		"_synchronous=FULL",
		"_journal_mode=DELETE",
		"_busy_timeout=5000",
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

func isCorrupt(err error) bool {
	if errcode.Of(err) == errcode.CorruptStore {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB
	}
	return false
}

func (x *SQLiteIndex) Get(key []byte) ([]byte, bool, error) {
	var v []byte
	err := x.db.QueryRow(`SELECT v FROM buckets WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (x *SQLiteIndex) Put(key, val []byte) error {
	_, err := x.db.Exec(`INSERT INTO buckets (k, v) VALUES (?, ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, val)
	return err
}

func (x *SQLiteIndex) Delete(key []byte) error {
	_, err := x.db.Exec(`DELETE FROM buckets WHERE k = ?`, key)
	return err
}

func (x *SQLiteIndex) Keys() ([][]byte, error) {
	rows, err := x.db.Query(`SELECT k FROM buckets ORDER BY k ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (x *SQLiteIndex) Len() (int, error) {
	var n int
	err := x.db.QueryRow(`SELECT COUNT(*) FROM buckets`).Scan(&n)
	return n, err
}

// Flush is a no-op: each statement is its own durable transaction.
func (x *SQLiteIndex) Flush() error { return nil }

func (x *SQLiteIndex) Close() error { return x.db.Close() }
