package atproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

const maxKeySuffixLen = 512

// Commit is the ATProto repository commit object (format v3), the single
// root of a CAR snapshot.
type Commit struct {
	DID     string
	Version int
	Data    cid.Cid
	Rev     string
	Prev    *cid.Cid
	Sig     []byte
}

type mstEntry struct {
	prefixLen int
	keySuffix []byte
	value     *cid.Cid
	tree      *cid.Cid
}

type mstNode struct {
	left    *cid.Cid
	entries []mstEntry
}

// ParsedRepo is the aggregate result of walking one CAR snapshot: every
// record found, grouped by collection, plus the commit's revision.
type ParsedRepo struct {
	Rev     string
	Records []ParsedRecord
}

// ParsedRecord is one (collection, rkey) → block mapping discovered while
// walking the MST, ready to hand to DispatchCreateOrUpdate.
type ParsedRecord struct {
	Collection string
	Rkey       string
	CID        string
	Data       []byte
}

// ReadCAR decodes a CAR v1 byte stream into its roots and block map. Blocks
// are keyed by their CID; malformed individual blocks are skipped rather
// than aborting the whole read, matching the snapshot path's "one bad
// record never corrupts the rest" contract.
func ReadCAR(r io.Reader) (roots []cid.Cid, blocks map[cid.Cid][]byte, err error) {
	br := bufio.NewReader(r)

	headerLen, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, nil, fmt.Errorf("read CAR header length: %w", err)
	}
	if headerLen == 0 {
		return nil, nil, fmt.Errorf("CAR header length is zero")
	}
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(br, headerBuf); err != nil {
		return nil, nil, fmt.Errorf("read CAR header: %w", err)
	}
	roots, err = decodeCARHeader(headerBuf)
	if err != nil {
		return nil, nil, fmt.Errorf("decode CAR header: %w", err)
	}
	if len(roots) == 0 {
		return nil, nil, fmt.Errorf("CAR file has no roots")
	}

	blocks = make(map[cid.Cid][]byte)
	for {
		blockLen, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read CAR block length: %w", err)
		}
		buf := make([]byte, blockLen)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, nil, fmt.Errorf("read CAR block: %w", err)
		}
		n, blockCID, err := cid.CidFromBytes(buf)
		if err != nil {
			continue // malformed block identity: skip, don't abort the read
		}
		blocks[blockCID] = buf[n:]
	}
	return roots, blocks, nil
}

func decodeCARHeader(data []byte) ([]cid.Cid, error) {
	m, err := decodeMap(data)
	if err != nil {
		return nil, err
	}
	rawRoots, _ := m["roots"].([]interface{})
	roots := make([]cid.Cid, 0, len(rawRoots))
	for _, r := range rawRoots {
		c, err := decodeCIDValue(r)
		if err != nil {
			return nil, err
		}
		roots = append(roots, c)
	}
	return roots, nil
}

// decodeCIDValue unwraps a DAG-CBOR tag-42 CID link. fxamacker/cbor decodes
// unrecognized tags into cbor.Tag{Number, Content} when the target is
// interface{}; DAG-CBOR CID bytes additionally carry a leading 0x00
// multibase-identity marker that must be stripped before cid.Cast.
func decodeCIDValue(v interface{}) (cid.Cid, error) {
	switch t := v.(type) {
	case cbor.Tag:
		if t.Number != 42 {
			return cid.Undef, fmt.Errorf("expected CBOR tag 42 for CID, got tag %d", t.Number)
		}
		b, ok := t.Content.([]byte)
		if !ok {
			return cid.Undef, fmt.Errorf("CID tag content is %T, want []byte", t.Content)
		}
		return bytesToCID(b)
	case []byte:
		return bytesToCID(t)
	default:
		return cid.Undef, fmt.Errorf("unexpected CID representation %T", v)
	}
}

func bytesToCID(b []byte) (cid.Cid, error) {
	if len(b) == 0 {
		return cid.Undef, fmt.Errorf("empty CID bytes")
	}
	if b[0] == 0x00 {
		b = b[1:]
	}
	return cid.Cast(b)
}

// ParseCommit decodes the root block of a CAR snapshot into a Commit.
func ParseCommit(data []byte) (Commit, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Commit{}, err
	}
	c := Commit{
		DID:     getString(m, "did"),
		Version: getIntOrDefault(m, "version", 0),
		Rev:     getString(m, "rev"),
	}
	v, ok := m["data"]
	if !ok {
		return Commit{}, fmt.Errorf("commit has no data field")
	}
	cidv, err := decodeCIDValue(v)
	if err != nil {
		return Commit{}, fmt.Errorf("commit.data: %w", err)
	}
	c.Data = cidv
	if v, ok := m["prev"]; ok && v != nil {
		cidv, err := decodeCIDValue(v)
		if err == nil {
			c.Prev = &cidv
		}
	}
	if v, ok := m["sig"].([]byte); ok {
		c.Sig = v
	}
	return c, nil
}

func decodeMSTNode(data []byte) (mstNode, error) {
	m, err := decodeMap(data)
	if err != nil {
		return mstNode{}, err
	}
	var node mstNode
	if v, ok := m["l"]; ok && v != nil {
		if cidv, err := decodeCIDValue(v); err == nil {
			node.left = &cidv
		}
	}
	rawEntries, _ := m["e"].([]interface{})
	for _, re := range rawEntries {
		em, ok := re.(map[string]interface{})
		if !ok {
			continue
		}
		entry := mstEntry{prefixLen: getIntOrDefault(em, "p", 0)}
		if ks, ok := em["k"].([]byte); ok {
			entry.keySuffix = ks
		}
		if v, ok := em["v"]; ok && v != nil {
			if cidv, err := decodeCIDValue(v); err == nil {
				entry.value = &cidv
			}
		}
		if v, ok := em["t"]; ok && v != nil {
			if cidv, err := decodeCIDValue(v); err == nil {
				entry.tree = &cidv
			}
		}
		node.entries = append(node.entries, entry)
	}
	return node, nil
}

// ParseRepo walks the MST rooted at root, collecting every (collection,
// rkey) → block mapping it can decode. Missing blocks, over-long key
// suffixes and entries whose prefix length exceeds the previous key are
// skipped; traversal continues regardless (§8 boundary behaviors).
func ParseRepo(blocks map[cid.Cid][]byte, commitData []byte) (ParsedRepo, error) {
	commit, err := ParseCommit(commitData)
	if err != nil {
		return ParsedRepo{}, fmt.Errorf("parse commit: %w", err)
	}
	result := ParsedRepo{Rev: commit.Rev}
	if err := walkMSTNode(commit.Data, blocks, "", &result); err != nil {
		return ParsedRepo{}, err
	}
	return result, nil
}

func walkMSTNode(nodeCID cid.Cid, blocks map[cid.Cid][]byte, keyPrefix string, result *ParsedRepo) error {
	data, ok := blocks[nodeCID]
	if !ok {
		return nil // missing node block: skip, don't abort (§8)
	}
	node, err := decodeMSTNode(data)
	if err != nil {
		return nil // malformed node: skip this subtree, not the whole walk
	}

	if node.left != nil {
		if err := walkMSTNode(*node.left, blocks, keyPrefix, result); err != nil {
			return err
		}
	}

	prevKey := keyPrefix
	for _, entry := range node.entries {
		if len(entry.keySuffix) > maxKeySuffixLen {
			continue
		}

		suffix := string(entry.keySuffix)
		var fullKey string
		if entry.prefixLen > 0 {
			if entry.prefixLen > len(prevKey) {
				// Malformed: prefix_len exceeds what we have. Skip this
				// entry (prevKey is left as it was) rather than aborting
				// the walk.
				continue
			} else {
				fullKey = prevKey[:entry.prefixLen] + suffix
			}
		} else {
			fullKey = suffix
		}

		if entry.value != nil {
			if recData, ok := blocks[*entry.value]; ok {
				if collection, rkey, ok := splitRecordKey(fullKey); ok {
					result.Records = append(result.Records, ParsedRecord{
						Collection: collection,
						Rkey:       rkey,
						CID:        entry.value.String(),
						Data:       recData,
					})
				}
			}
		}

		if entry.tree != nil {
			if err := walkMSTNode(*entry.tree, blocks, fullKey, result); err != nil {
				return err
			}
		}

		prevKey = fullKey
	}

	return nil
}

func splitRecordKey(key string) (collection, rkey string, ok bool) {
	idx := strings.IndexByte(key, '/')
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}
