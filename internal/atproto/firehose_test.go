package atproto

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

func makeFrame(t *testing.T, op int, typ string, payload interface{}) []byte {
	t.Helper()
	header := map[string]interface{}{"op": op}
	if typ != "" {
		header["t"] = typ
	}
	headerBytes, err := cbor.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadBytes, err := cbor.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return append(headerBytes, payloadBytes...)
}

func TestDecodeFrameHeaderCommit(t *testing.T) {
	frame := makeFrame(t, 1, "#commit", map[string]interface{}{"seq": int64(12345)})
	header, offset, err := decodeFrameHeader(frame)
	if err != nil {
		t.Fatalf("decodeFrameHeader: %v", err)
	}
	if header.Op != 1 || header.T != "#commit" {
		t.Errorf("got %+v", header)
	}
	if offset <= 0 || offset >= len(frame) {
		t.Errorf("offset = %d, want within (0, %d)", offset, len(frame))
	}

	var payload map[string]interface{}
	if err := cbor.Unmarshal(frame[offset:], &payload); err != nil {
		t.Fatalf("decode payload from offset: %v", err)
	}
}

func TestHandleMessageFutureCursorResetsSeqAndErrors(t *testing.T) {
	cache := NewRepoCache(DefaultMaxPendingEvents)
	cache.UpdateFirehoseSeq(500)

	client := NewFirehoseClient("wss://example.invalid", "did:plc:abc", cache, nil)
	frame := makeFrame(t, -1, "", map[string]interface{}{
		"error":   "FutureCursor",
		"message": "cursor too far in the future",
	})

	err := client.handleMessage(frame)
	var cursorErr *CursorInvalidError
	if !errors.As(err, &cursorErr) {
		t.Fatalf("expected *CursorInvalidError, got %v", err)
	}
	if cache.FirehoseSeq() != 0 {
		t.Errorf("expected firehose seq reset to 0, got %d", cache.FirehoseSeq())
	}
}

func TestHandleMessageUnknownErrorTypeDoesNotReset(t *testing.T) {
	cache := NewRepoCache(DefaultMaxPendingEvents)
	cache.UpdateFirehoseSeq(500)

	client := NewFirehoseClient("wss://example.invalid", "did:plc:abc", cache, nil)
	frame := makeFrame(t, -1, "", map[string]interface{}{"error": "SomethingElse"})

	if err := client.handleMessage(frame); err != nil {
		t.Fatalf("expected nil error for non-cursor error frame, got %v", err)
	}
	if cache.FirehoseSeq() != 500 {
		t.Errorf("expected firehose seq unchanged, got %d", cache.FirehoseSeq())
	}
}

func TestProcessLoopReturnsCursorInvalidErrorInsteadOfLooping(t *testing.T) {
	cache := NewRepoCache(DefaultMaxPendingEvents)
	cache.UpdateFirehoseSeq(500)

	client := NewFirehoseClient("wss://example.invalid", "did:plc:abc", cache, nil)
	frame := makeFrame(t, -1, "", map[string]interface{}{
		"error":   "ConsumerTooSlow",
		"message": "too slow",
	})

	msgCh := make(chan firehoseFrame, 1)
	readerErrCh := make(chan error, 1)
	msgCh <- firehoseFrame{data: frame}

	err := client.processLoop(context.Background(), msgCh, readerErrCh, time.Time{})
	var cursorErr *CursorInvalidError
	if !errors.As(err, &cursorErr) {
		t.Fatalf("expected processLoop to return *CursorInvalidError, got %v", err)
	}
}

func TestHandleCommitIgnoresOtherRepos(t *testing.T) {
	cache := NewRepoCache(DefaultMaxPendingEvents)
	client := NewFirehoseClient("wss://example.invalid", "did:plc:me", cache, nil)

	err := client.handleCommit(commitEvent{Repo: "did:plc:someone-else", Seq: 1, Rev: "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cache.FirehoseSeq() != 0 {
		t.Error("expected seq to remain untouched for a foreign repo's commit")
	}
}

func TestHandleCommitSkipsMalformedPaths(t *testing.T) {
	cache := NewRepoCache(DefaultMaxPendingEvents)
	client := NewFirehoseClient("wss://example.invalid", "did:plc:me", cache, nil)

	err := client.handleCommit(commitEvent{
		Repo: "did:plc:me",
		Seq:  1,
		Rev:  "abc",
		Ops: []repoOp{
			{Action: "delete", Path: "noslashpath"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cache.PendingLen() != 0 {
		t.Error("expected malformed path to be skipped, not queued")
	}
}

func TestHandleCommitQueuesWhileSyncingAndAppliesWhenLive(t *testing.T) {
	cache := NewRepoCache(DefaultMaxPendingEvents)
	client := NewFirehoseClient("wss://example.invalid", "did:plc:me", cache, nil)
	cache.setState(syncStateSyncing)

	err := client.handleCommit(commitEvent{
		Repo: "did:plc:me",
		Seq:  1,
		Rev:  "abc",
		Ops: []repoOp{
			{Action: "delete", Path: CollectionFact + "/rkey1"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cache.PendingLen() != 1 {
		t.Fatalf("expected 1 queued commit while syncing, got %d", cache.PendingLen())
	}

	cache.ClearPending()
	cache.setState(syncStateLive)
	cache.UpsertFact("rkey1", Fact{Predicate: "p"}, "cid1")

	err = client.handleCommit(commitEvent{
		Repo: "did:plc:me",
		Seq:  2,
		Rev:  "def",
		Ops: []repoOp{
			{Action: "delete", Path: CollectionFact + "/rkey1"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cache.PendingLen() != 0 {
		t.Error("expected nothing queued while live")
	}
	if _, ok := cache.GetFact("rkey1"); ok {
		t.Error("expected delete op to be applied directly while live")
	}
}
