package atproto

import (
	"fmt"
	"sync/atomic"
	"time"
)

const tidCharset = "234567abcdefghijklmnopqrstuvwxyz"
const tidLength = 13

// tidCounter disambiguates TIDs minted within the same microsecond from this
// process. It wraps at 10 bits, matching the low bits folded into the value.
var tidCounter atomic.Uint32

// NewTID mints a time-sortable 13-character record key: the top 53 bits are
// microseconds since the Unix epoch, the low 10 bits are a wrapping
// process-local counter so two calls within the same microsecond still sort
// by call order.
func NewTID() string {
	return NewTIDAt(time.Now())
}

// NewTIDAt mints a TID for a specific instant; exposed for deterministic
// tests.
func NewTIDAt(t time.Time) string {
	micros := uint64(t.UnixMicro())
	counter := uint64(tidCounter.Add(1) & 0x3FF)
	return EncodeTID((micros << 10) | counter)
}

// EncodeTID renders a 63-bit value as a 13-character base32-sortable string,
// most-significant group first so lexicographic order matches numeric order.
func EncodeTID(v uint64) string {
	buf := make([]byte, tidLength)
	for i := tidLength - 1; i >= 0; i-- {
		buf[i] = tidCharset[v&0x1F]
		v >>= 5
	}
	return string(buf)
}

// DecodeTID reverses EncodeTID, for tests and for ordering comparisons that
// want the raw value rather than the string.
func DecodeTID(s string) (uint64, error) {
	if len(s) != tidLength {
		return 0, fmt.Errorf("atproto: TID %q has length %d, want %d", s, len(s), tidLength)
	}
	var v uint64
	for i := 0; i < tidLength; i++ {
		idx := indexInCharset(s[i])
		if idx < 0 {
			return 0, fmt.Errorf("atproto: TID %q has invalid character %q", s, s[i])
		}
		v = (v << 5) | uint64(idx)
	}
	return v, nil
}

func indexInCharset(c byte) int {
	for i := 0; i < len(tidCharset); i++ {
		if tidCharset[i] == c {
			return i
		}
	}
	return -1
}
