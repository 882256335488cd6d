package atproto

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

func mustCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return cid.NewCidV1(cid.DagCBOR, sum)
}

func cidBytesWithIdentityPrefix(c cid.Cid) []byte {
	return append([]byte{0x00}, c.Bytes()...)
}

func appendBlock(buf *bytes.Buffer, c cid.Cid, data []byte) {
	payload := append(c.Bytes(), data...)
	buf.Write(binary.AppendUvarint(nil, uint64(len(payload))))
	buf.Write(payload)
}

func buildCAR(t *testing.T, root cid.Cid, blocks map[cid.Cid][]byte) []byte {
	t.Helper()
	header, err := cbor.Marshal(map[string]interface{}{
		"version": 1,
		"roots":   []interface{}{cbor.Tag{Number: 42, Content: cidBytesWithIdentityPrefix(root)}},
	})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	var buf bytes.Buffer
	buf.Write(binary.AppendUvarint(nil, uint64(len(header))))
	buf.Write(header)
	for c, data := range blocks {
		appendBlock(&buf, c, data)
	}
	return buf.Bytes()
}

func TestReadCAREmptyDataErrors(t *testing.T) {
	if _, _, err := ReadCAR(bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error reading empty CAR data")
	}
}

func TestReadCARGarbageDataErrors(t *testing.T) {
	garbage := []byte{0xff, 0xff, 0xff, 0xff, 0xff}
	if _, _, err := ReadCAR(bytes.NewReader(garbage)); err == nil {
		t.Fatal("expected error reading garbage CAR data")
	}
}

func TestReadCARRoundTripsRootsAndBlocks(t *testing.T) {
	leafData, err := cbor.Marshal(map[string]interface{}{"predicate": "likes"})
	if err != nil {
		t.Fatalf("marshal leaf: %v", err)
	}
	leafCID := mustCID(t, leafData)

	rootData, err := cbor.Marshal(map[string]interface{}{"l": nil})
	if err != nil {
		t.Fatalf("marshal root: %v", err)
	}
	rootCID := mustCID(t, rootData)

	carBytes := buildCAR(t, rootCID, map[cid.Cid][]byte{
		rootCID: rootData,
		leafCID: leafData,
	})

	roots, blocks, err := ReadCAR(bytes.NewReader(carBytes))
	if err != nil {
		t.Fatalf("ReadCAR: %v", err)
	}
	if len(roots) != 1 || !roots[0].Equals(rootCID) {
		t.Errorf("roots = %v, want [%v]", roots, rootCID)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if !bytes.Equal(blocks[leafCID], leafData) {
		t.Error("leaf block data mismatch")
	}
}

func TestSplitRecordKeyRejectsMissingSlash(t *testing.T) {
	if _, _, ok := splitRecordKey("noslashhere"); ok {
		t.Error("expected split to fail on key with no slash")
	}
}

func TestSplitRecordKeySplitsOnFirstSlash(t *testing.T) {
	collection, rkey, ok := splitRecordKey("diy.razorgirl.winter.fact/3k2abc")
	if !ok {
		t.Fatal("expected split to succeed")
	}
	if collection != "diy.razorgirl.winter.fact" || rkey != "3k2abc" {
		t.Errorf("got collection=%q rkey=%q", collection, rkey)
	}
}

func TestWalkMSTNodeSkipsMissingValueBlockWithoutAborting(t *testing.T) {
	missingCID := mustCID(t, []byte("does-not-exist-in-block-map"))

	leafData, err := cbor.Marshal(map[string]interface{}{"predicate": "ok"})
	if err != nil {
		t.Fatalf("marshal leaf: %v", err)
	}
	leafCID := mustCID(t, leafData)

	nodeData, err := cbor.Marshal(map[string]interface{}{
		"l": nil,
		"e": []interface{}{
			map[string]interface{}{
				"p": 0,
				"k": []byte("diy.razorgirl.winter.fact/aaa"),
				"v": cbor.Tag{Number: 42, Content: cidBytesWithIdentityPrefix(missingCID)},
			},
			map[string]interface{}{
				"p": 0,
				"k": []byte("diy.razorgirl.winter.fact/bbb"),
				"v": cbor.Tag{Number: 42, Content: cidBytesWithIdentityPrefix(leafCID)},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal node: %v", err)
	}
	nodeCID := mustCID(t, nodeData)

	blocks := map[cid.Cid][]byte{
		nodeCID: nodeData,
		leafCID: leafData,
	}

	var result ParsedRepo
	if err := walkMSTNode(nodeCID, blocks, "", &result); err != nil {
		t.Fatalf("walkMSTNode: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected exactly one record (the resolvable one), got %d", len(result.Records))
	}
	if result.Records[0].Rkey != "bbb" {
		t.Errorf("got rkey %q, want bbb", result.Records[0].Rkey)
	}
}

func TestWalkMSTNodeSkipsOverlongKeySuffix(t *testing.T) {
	leafData, err := cbor.Marshal(map[string]interface{}{"predicate": "ok"})
	if err != nil {
		t.Fatalf("marshal leaf: %v", err)
	}
	leafCID := mustCID(t, leafData)

	overlong := bytes.Repeat([]byte("x"), maxKeySuffixLen+1)
	nodeData, err := cbor.Marshal(map[string]interface{}{
		"l": nil,
		"e": []interface{}{
			map[string]interface{}{
				"p": 0,
				"k": overlong,
				"v": cbor.Tag{Number: 42, Content: cidBytesWithIdentityPrefix(leafCID)},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal node: %v", err)
	}
	nodeCID := mustCID(t, nodeData)

	blocks := map[cid.Cid][]byte{nodeCID: nodeData, leafCID: leafData}

	var result ParsedRepo
	if err := walkMSTNode(nodeCID, blocks, "", &result); err != nil {
		t.Fatalf("walkMSTNode: %v", err)
	}
	if len(result.Records) != 0 {
		t.Errorf("expected overlong-suffix entry to be skipped, got %d records", len(result.Records))
	}
}

func TestWalkMSTNodeDegradesGracefullyWhenPrefixExceedsPrevKey(t *testing.T) {
	leafData, err := cbor.Marshal(map[string]interface{}{"predicate": "ok"})
	if err != nil {
		t.Fatalf("marshal leaf: %v", err)
	}
	leafCID := mustCID(t, leafData)

	// prefixLen of 50 with an empty keyPrefix and no preceding entry: prevKey
	// is "" so prefixLen(50) > len(prevKey)(0). That entry must be skipped
	// without aborting the walk, so the well-formed entry after it is still
	// recorded.
	nodeData, err := cbor.Marshal(map[string]interface{}{
		"l": nil,
		"e": []interface{}{
			map[string]interface{}{
				"p": 50,
				"k": []byte("diy.razorgirl.winter.fact/zzz"),
				"v": cbor.Tag{Number: 42, Content: cidBytesWithIdentityPrefix(leafCID)},
			},
			map[string]interface{}{
				"p": 0,
				"k": []byte("diy.razorgirl.winter.fact/yyy"),
				"v": cbor.Tag{Number: 42, Content: cidBytesWithIdentityPrefix(leafCID)},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal node: %v", err)
	}
	nodeCID := mustCID(t, nodeData)

	blocks := map[cid.Cid][]byte{nodeCID: nodeData, leafCID: leafData}

	var result ParsedRepo
	if err := walkMSTNode(nodeCID, blocks, "", &result); err != nil {
		t.Fatalf("walkMSTNode: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected only the well-formed entry to be recorded, got %d", len(result.Records))
	}
	if result.Records[0].Rkey != "yyy" {
		t.Errorf("got rkey %q, want yyy", result.Records[0].Rkey)
	}
}

func TestParseRepoCommitWithoutDataFieldErrors(t *testing.T) {
	bogusData, err := cbor.Marshal(map[string]interface{}{"not": "a commit"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := ParseRepo(map[cid.Cid][]byte{}, bogusData); err == nil {
		t.Error("expected error when the commit has no data field")
	}
}
