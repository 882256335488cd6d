package atproto

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	_ "modernc.org/sqlite"
)

// SQLiteStore is an embedded-SQLite RecordStore: a fake PDS for tests and
// local/offline development, with the same per-collection record semantics
// an HTTPStore gets from a real one. CIDs are a deterministic digest of the
// stored JSON, not a real CBOR/DAG-CBOR CID, since nothing downstream
// inspects their internal structure — only their equality across writes.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			rkey       TEXT NOT NULL,
			value      TEXT NOT NULL,
			cid        TEXT NOT NULL,
			PRIMARY KEY (collection, rkey)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func recordCID(value []byte) string {
	sum := sha256.Sum256(value)
	return "bafy" + hex.EncodeToString(sum[:16])
}

func (s *SQLiteStore) CreateRecord(ctx context.Context, collection, rkey string, value interface{}) (string, string, error) {
	cid, err := s.PutRecord(ctx, collection, rkey, value)
	if err != nil {
		return "", "", err
	}
	return "at://local/" + collection + "/" + rkey, cid, nil
}

func (s *SQLiteStore) PutRecord(ctx context.Context, collection, rkey string, value interface{}) (string, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	cid := recordCID(body)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (collection, rkey, value, cid) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, rkey) DO UPDATE SET value = excluded.value, cid = excluded.cid
	`, collection, rkey, string(body), cid)
	if err != nil {
		return "", fmt.Errorf("put record %s/%s: %w", collection, rkey, err)
	}
	return cid, nil
}

func (s *SQLiteStore) DeleteRecord(ctx context.Context, collection, rkey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND rkey = ?`, collection, rkey)
	if err != nil {
		return fmt.Errorf("delete record %s/%s: %w", collection, rkey, err)
	}
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, collection, rkey string) ([]byte, string, error) {
	var value, cid string
	err := s.db.QueryRowContext(ctx, `SELECT value, cid FROM records WHERE collection = ? AND rkey = ?`, collection, rkey).Scan(&value, &cid)
	if err == sql.ErrNoRows {
		return nil, "", &TransportError{Op: "getRecord", Err: fmt.Errorf("no record %s/%s", collection, rkey)}
	}
	if err != nil {
		return nil, "", fmt.Errorf("get record %s/%s: %w", collection, rkey, err)
	}
	return []byte(value), cid, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, collection string, fn func(rkey string, value []byte, cid string) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT rkey, value, cid FROM records WHERE collection = ? ORDER BY rkey`, collection)
	if err != nil {
		return fmt.Errorf("list records %s: %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var rkey, value, cid string
		if err := rows.Scan(&rkey, &value, &cid); err != nil {
			return fmt.Errorf("scan record row: %w", err)
		}
		if err := fn(rkey, []byte(value), cid); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetRepoSnapshot is not meaningful for the fake store: there is no CAR
// export of a SQLite table. Tests and local dev drive the cache directly
// through Upsert*/Delete* instead of a snapshot sync.
func (s *SQLiteStore) GetRepoSnapshot(ctx context.Context, did string) (io.Reader, error) {
	return nil, fmt.Errorf("atproto: sqlite store does not support repo snapshots")
}
