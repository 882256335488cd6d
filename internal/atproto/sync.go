package atproto

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const snapshotFetchTimeout = 60 * time.Second

// SyncCoordinator drives one account repository from cold start through a
// live firehose subscription: fetch a CAR snapshot, populate the cache,
// replay anything the firehose queued meanwhile, then go Live.
type SyncCoordinator struct {
	Cache      *RepoCache
	DID        string
	PDSURL     string
	HTTPClient *http.Client
	Firehose   *FirehoseClient
	Log        *slog.Logger
}

func NewSyncCoordinator(cache *RepoCache, did, pdsURL string, log *slog.Logger) *SyncCoordinator {
	if log == nil {
		log = slog.Default()
	}
	firehoseURL := FirehoseURLForPDS(pdsURL)
	return &SyncCoordinator{
		Cache:      cache,
		DID:        did,
		PDSURL:     pdsURL,
		HTTPClient: &http.Client{Timeout: snapshotFetchTimeout},
		Firehose:   NewFirehoseClient(firehoseURL, did, cache, log),
		Log:        log,
	}
}

// Run fetches an initial snapshot, applies it, replays anything queued by
// the firehose in the meantime, then transitions the cache Live, broadcasts
// one UpdateSynchronized, and blocks running the firehose client until ctx
// is cancelled.
func (s *SyncCoordinator) Run(ctx context.Context) error {
	s.Cache.setState(syncStateSyncing)

	firehoseErrCh := make(chan error, 1)
	go func() { firehoseErrCh <- s.Firehose.Run(ctx) }()

	if err := s.syncSnapshot(ctx); err != nil {
		s.Log.Error("snapshot sync failed", "error", err)
		return fmt.Errorf("sync snapshot: %w", err)
	}

	for _, commit := range s.Cache.DrainPending() {
		ApplyCommit(s.Cache, commit)
	}
	s.Cache.setState(syncStateLive)
	s.Cache.broadcastRaw(Update{Kind: UpdateSynchronized})
	s.Log.Info("cache is live", "did", s.DID)

	select {
	case <-ctx.Done():
		return nil
	case err := <-firehoseErrCh:
		return err
	}
}

// syncSnapshot fetches the current repository CAR snapshot and loads every
// record it contains directly into the cache.
func (s *SyncCoordinator) syncSnapshot(ctx context.Context) error {
	data, err := s.fetchRepoCAR(ctx)
	if err != nil {
		return err
	}

	roots, blocks, err := ReadCAR(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("read repo CAR: %w", err)
	}
	if len(roots) == 0 {
		return fmt.Errorf("repo CAR has no roots")
	}

	commitData, ok := blocks[roots[0]]
	if !ok {
		return fmt.Errorf("repo CAR missing commit block for root %s", roots[0])
	}

	repo, err := ParseRepo(blocks, commitData)
	if err != nil {
		return fmt.Errorf("parse repo: %w", err)
	}

	for _, rec := range repo.Records {
		if err := DispatchCreateOrUpdate(s.Cache, rec.Collection, rec.Rkey, rec.CID, rec.Data); err != nil {
			s.Log.Warn("failed to load record from snapshot", "collection", rec.Collection, "rkey", rec.Rkey, "error", err)
		}
	}
	s.Log.Info("snapshot loaded", "records", len(repo.Records), "rev", repo.Rev)
	return nil
}

// fetchRepoCAR downloads the full repository via com.atproto.sync.getRepo.
func (s *SyncCoordinator) fetchRepoCAR(ctx context.Context) ([]byte, error) {
	u := s.PDSURL + "/xrpc/com.atproto.sync.getRepo?" + (url.Values{"did": {s.DID}}).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build getRepo request: %w", err)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "getRepo", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "getRepo", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read getRepo body: %w", err)
	}
	return buf.Bytes(), nil
}
