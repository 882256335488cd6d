package atproto

import "fmt"

// TransportError wraps a network-level failure (dial, read timeout, TLS).
// The sync coordinator treats it as recoverable: reconnect with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("atproto: transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// CursorInvalidError reports a FutureCursor/ConsumerTooSlow frame from the
// firehose. The coordinator resets its sequence counter and reconnects
// without a cursor, forcing a fresh snapshot reconcile.
type CursorInvalidError struct {
	Reason string
}

func (e *CursorInvalidError) Error() string {
	return fmt.Sprintf("atproto: cursor invalid: %s", e.Reason)
}

// DecodeError reports a malformed CBOR/CAR/MST structure for one record or
// block. Callers must isolate it to the offending record and continue.
type DecodeError struct {
	Collection string
	Rkey       string
	Err        error
}

func (e *DecodeError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("atproto: decode: %v", e.Err)
	}
	return fmt.Sprintf("atproto: decode %s/%s: %v", e.Collection, e.Rkey, e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }

// WriteConflictError reports a remote rejection of a record write. The
// cache does not retry; it surfaces this to the write's caller.
type WriteConflictError struct {
	Collection string
	Rkey       string
	Err        error
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("atproto: write conflict %s/%s: %v", e.Collection, e.Rkey, e.Err)
}
func (e *WriteConflictError) Unwrap() error { return e.Err }

// UnknownBackendError reports an unrecognized StoreConfig.Backend value.
type UnknownBackendError struct {
	Backend string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("atproto: unknown record store backend %q", e.Backend)
}
