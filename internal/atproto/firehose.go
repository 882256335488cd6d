package atproto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// processorChannelSize bounds how many binary frames the reader may queue
// for the processor before it starts dropping them; cursor-based
// reconnection replays anything lost this way.
const processorChannelSize = 1000

// reconnectionCatchupDuration is how long broadcasts stay suppressed after a
// cursor-based reconnect, giving the relay time to replay missed commits
// before the cache starts telling subscribers "I'm live" again.
const reconnectionCatchupDuration = 3 * time.Second

const readTimeout = 300 * time.Second

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// FirehoseClient subscribes to com.atproto.sync.subscribeRepos on one PDS
// and keeps a RepoCache's commit-ops view current.
type FirehoseClient struct {
	URL   string
	DID   string
	Cache *RepoCache
	Log   *slog.Logger
}

func NewFirehoseClient(url, did string, cache *RepoCache, log *slog.Logger) *FirehoseClient {
	if log == nil {
		log = slog.Default()
	}
	return &FirehoseClient{URL: url, DID: did, Cache: cache, Log: log}
}

// Run connects and processes firehose events until ctx is cancelled,
// reconnecting with exponential backoff on any connection error.
func (f *FirehoseClient) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		attemptID := uuid.New().String()
		err := f.connectAndProcess(ctx, attemptID)
		if err == nil {
			return nil // clean shutdown
		}

		f.Log.Error("firehose connection error, reconnecting", "error", err, "attempt", attemptID)
		if f.Cache.state() == syncStateLive {
			f.Cache.setState(syncStateSyncing)
			f.Log.Warn("firehose disconnected, cache set to syncing until reconnection")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (f *FirehoseClient) connectAndProcess(ctx context.Context, attemptID string) error {
	cursor := f.Cache.FirehoseSeq()
	dialURL := f.URL + "/xrpc/com.atproto.sync.subscribeRepos"
	if cursor > 0 {
		q := url.Values{}
		q.Set("cursor", fmt.Sprintf("%d", cursor))
		dialURL = dialURL + "?" + q.Encode()
	}

	f.Log.Info("connecting to firehose", "url", dialURL, "did", f.DID, "cursor", cursor, "attempt", attemptID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("firehose dial: %w", err)
	}
	defer conn.Close()

	f.Log.Info("firehose connected", "attempt", attemptID)

	wasSyncing := f.Cache.state() == syncStateSyncing
	var catchupUntil time.Time
	switch {
	case wasSyncing && cursor > 0:
		f.Log.Debug("suppressing broadcasts during reconnection replay")
		f.Cache.SetSuppressed(true)
		catchupUntil = time.Now().Add(reconnectionCatchupDuration)
	case wasSyncing:
		f.Log.Warn("firehose reconnected without cursor, cache may have missed events")
		f.Cache.setState(syncStateLive)
	}

	msgCh := make(chan firehoseFrame, processorChannelSize)
	readerErrCh := make(chan error, 1)

	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()
	go f.readerLoop(readerCtx, conn, msgCh, readerErrCh)

	return f.processLoop(readerCtx, msgCh, readerErrCh, catchupUntil)
}

type firehoseFrame struct {
	data []byte
}

func (f *FirehoseClient) readerLoop(ctx context.Context, conn *websocket.Conn, msgCh chan<- firehoseFrame, errCh chan<- error) {
	defer close(msgCh)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case errCh <- fmt.Errorf("firehose read: %w", err):
			default:
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case msgCh <- firehoseFrame{data: data}:
		default:
			f.Log.Warn("processor channel full, dropping firehose message")
		}
	}
}

func (f *FirehoseClient) processLoop(ctx context.Context, msgCh <-chan firehoseFrame, readerErrCh <-chan error, catchupUntil time.Time) error {
	catchupComplete := catchupUntil.IsZero()
	var catchupTimer <-chan time.Time
	if !catchupComplete {
		timer := time.NewTimer(time.Until(catchupUntil))
		defer timer.Stop()
		catchupTimer = timer.C
	}

	finishCatchup := func() {
		if catchupComplete {
			return
		}
		f.Log.Debug("reconnection catchup complete, re-enabling broadcasts")
		f.Cache.SetSuppressed(false)
		f.Cache.setState(syncStateLive)
		catchupComplete = true
	}

	for {
		select {
		case <-ctx.Done():
			finishCatchup()
			return nil
		case <-catchupTimer:
			finishCatchup()
		case err := <-readerErrCh:
			finishCatchup()
			return err
		case frame, ok := <-msgCh:
			if !ok {
				finishCatchup()
				return nil
			}
			if err := f.handleMessage(frame.data); err != nil {
				var cursorErr *CursorInvalidError
				if errors.As(err, &cursorErr) {
					// The local sequence was just reset; this connection's
					// cursor (if any) is now stale, so it must be torn down
					// and Run's reconnect loop must open a fresh one
					// without a cursor parameter, not keep reading from it.
					finishCatchup()
					return err
				}
				f.Log.Warn("failed to handle firehose message", "error", err)
			}
		}
	}
}

type frameHeader struct {
	Op int    `cbor:"op"`
	T  string `cbor:"t"`
}

// decodeFrameHeader decodes the first of two concatenated CBOR values in a
// firehose message and returns it along with the byte offset where the
// second (payload) value begins.
func decodeFrameHeader(data []byte) (frameHeader, int, error) {
	dec := cbor.NewDecoder(bytes.NewReader(data))
	var h frameHeader
	if err := dec.Decode(&h); err != nil {
		return frameHeader{}, 0, fmt.Errorf("decode frame header: %w", err)
	}
	return h, int(dec.NumBytesRead()), nil
}

type firehoseError struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message"`
}

type repoOp struct {
	Action string      `cbor:"action"`
	Path   string      `cbor:"path"`
	CID    interface{} `cbor:"cid"`
}

type commitEvent struct {
	Seq    int64    `cbor:"seq"`
	Repo   string   `cbor:"repo"`
	Rev    string   `cbor:"rev"`
	Blocks []byte   `cbor:"blocks"`
	Ops    []repoOp `cbor:"ops"`
}

func (f *FirehoseClient) handleMessage(data []byte) error {
	header, payloadOffset, err := decodeFrameHeader(data)
	if err != nil {
		return err
	}

	if header.Op != 1 {
		if header.Op == -1 {
			var fe firehoseError
			if err := cbor.Unmarshal(data[payloadOffset:], &fe); err == nil {
				f.Log.Error("firehose error frame received", "error_type", fe.Error, "message", fe.Message)
				if fe.Error == "FutureCursor" || fe.Error == "ConsumerTooSlow" {
					f.Log.Warn("cursor is invalid/stale, will trigger full re-sync", "error_type", fe.Error)
					f.Cache.ResetFirehoseSeq()
					return &CursorInvalidError{Reason: fe.Error}
				}
			} else {
				f.Log.Error("firehose error frame received (could not decode error details)")
			}
		}
		return nil
	}

	payload := data[payloadOffset:]

	switch header.T {
	case "#commit":
		var commit commitEvent
		if err := cbor.Unmarshal(payload, &commit); err != nil {
			return fmt.Errorf("decode commit event: %w", err)
		}
		return f.handleCommit(commit)
	case "#info":
		var info struct {
			Name    string `cbor:"name"`
			Message string `cbor:"message"`
		}
		if err := cbor.Unmarshal(payload, &info); err != nil {
			f.Log.Warn("failed to decode firehose info event", "error", err)
			return nil
		}
		f.Log.Info("firehose info event", "name", info.Name, "message", info.Message)
	case "#identity", "#account", "#handle", "#tombstone":
		// not needed for this cache's semantics
	}
	return nil
}

func (f *FirehoseClient) handleCommit(commit commitEvent) error {
	if commit.Repo != f.DID {
		return nil
	}

	var blocks map[cidString][]byte
	if len(commit.Blocks) > 0 {
		var err error
		blocks, err = parseCommitBlocks(commit.Blocks)
		if err != nil {
			return fmt.Errorf("parse commit blocks: %w", err)
		}
	}

	var ops []CommitOp
	for _, op := range commit.Ops {
		collection, rkey, ok := splitRecordKey(op.Path)
		if !ok {
			f.Log.Warn("malformed record path, skipping", "path", op.Path)
			continue
		}
		if !IsTrackedCollection(collection) {
			continue
		}

		switch op.Action {
		case "create", "update":
			cidStr, ok := formatOpCID(op.CID)
			if !ok {
				continue
			}
			record, ok := blocks[cidString(cidStr)]
			if !ok {
				continue
			}
			ops = append(ops, CommitOp{Action: "create_or_update", Collection: collection, Rkey: rkey, CID: cidStr, Record: record})
		case "delete":
			ops = append(ops, CommitOp{Action: "delete", Collection: collection, Rkey: rkey})
		}
	}

	if len(ops) == 0 {
		return nil
	}

	fc := FirehoseCommit{Seq: commit.Seq, Repo: commit.Repo, Rev: commit.Rev, Ops: ops}
	f.Cache.UpdateFirehoseSeq(commit.Seq)

	switch f.Cache.state() {
	case syncStateDisconnected, syncStateSyncing:
		f.Cache.QueueCommit(fc)
	case syncStateLive:
		ApplyCommit(f.Cache, fc)
	}
	return nil
}

type cidString string

// parseCommitBlocks decodes the CAR-framed blocks attached to a commit
// event, keyed by CID string for op-by-op lookup.
func parseCommitBlocks(data []byte) (map[cidString][]byte, error) {
	_, blocks, err := ReadCAR(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out := make(map[cidString][]byte, len(blocks))
	for c, d := range blocks {
		out[cidString(c.String())] = d
	}
	return out, nil
}

// formatOpCID extracts a CID string from the loosely-typed CBOR value on a
// repo op (it arrives either as a tagged CID or already-decoded bytes).
func formatOpCID(v interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	c, err := decodeCIDValue(v)
	if err != nil {
		return "", false
	}
	return c.String(), true
}

// ApplyCommit dispatches every op in a firehose commit into the cache.
func ApplyCommit(cache *RepoCache, commit FirehoseCommit) {
	for _, op := range commit.Ops {
		switch op.Action {
		case "create_or_update":
			if err := DispatchCreateOrUpdate(cache, op.Collection, op.Rkey, op.CID, op.Record); err != nil {
				slog.Default().Warn("failed to apply firehose record", "collection", op.Collection, "rkey", op.Rkey, "error", err)
			}
		case "delete":
			DispatchDelete(cache, op.Collection, op.Rkey)
		}
	}
}
