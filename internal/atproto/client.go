package atproto

import (
	"context"
	"io"
)

// RecordStore is the write/read surface every collection handler uses to
// durably persist a record, independent of which backend holds it. Rkey is
// always caller-supplied: records use client-generated TIDs (NewTID), not
// server-assigned keys, so a caller can upsert its own cache entry with the
// same key it just wrote.
type RecordStore interface {
	// CreateRecord writes a new record at collection/rkey and returns the
	// resulting record URI and CID. Callers mint rkey themselves, normally
	// via NewTID().
	CreateRecord(ctx context.Context, collection, rkey string, value interface{}) (uri, cid string, err error)

	// PutRecord overwrites (or creates) the record at collection/rkey and
	// returns its new CID.
	PutRecord(ctx context.Context, collection, rkey string, value interface{}) (cid string, err error)

	// DeleteRecord removes the record at collection/rkey. Deleting a
	// record that does not exist is not an error.
	DeleteRecord(ctx context.Context, collection, rkey string) error

	// GetRecord fetches one record's raw JSON value and CID.
	GetRecord(ctx context.Context, collection, rkey string) (value []byte, cid string, err error)

	// ListRecords pages through every record in a collection, applying fn
	// to each. fn's returned error aborts the listing.
	ListRecords(ctx context.Context, collection string, fn func(rkey string, value []byte, cid string) error) error

	// GetRepoSnapshot fetches a full repository CAR export for did, the same
	// format SyncCoordinator consumes on cold start.
	GetRepoSnapshot(ctx context.Context, did string) (io.Reader, error)
}

// StoreConfig selects and parameterizes one RecordStore backend.
type StoreConfig struct {
	// Backend is "http" or "sqlite".
	Backend string

	// PDSURL and DID parameterize the "http" backend.
	PDSURL      string
	DID         string
	AccessToken string

	// SQLitePath parameterizes the "sqlite" backend. Empty uses an
	// in-memory database.
	SQLitePath string
}

// NewRecordStore builds the RecordStore named by cfg.Backend. Mirrors the
// small config-driven registries used elsewhere in this codebase: one
// switch, one constructor per backend, no plugin machinery.
func NewRecordStore(cfg StoreConfig) (RecordStore, error) {
	switch cfg.Backend {
	case "", "http":
		return NewHTTPStore(cfg.PDSURL, cfg.DID, cfg.AccessToken), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, &UnknownBackendError{Backend: cfg.Backend}
	}
}
