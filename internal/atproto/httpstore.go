package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const httpStoreTimeout = 30 * time.Second

// HTTPStore is a RecordStore backed by a real PDS, speaking the
// com.atproto.repo.* and com.atproto.sync.getRepo XRPC calls directly over
// net/http, the same way SyncCoordinator fetches snapshots. It deliberately
// avoids a generic XRPC client: these six calls are all this daemon ever
// makes, and a bespoke client keeps the request/response shapes visible.
type HTTPStore struct {
	PDSURL      string
	DID         string
	AccessToken string
	HTTPClient  *http.Client
}

func NewHTTPStore(pdsURL, did, accessToken string) *HTTPStore {
	return &HTTPStore{
		PDSURL:      pdsURL,
		DID:         did,
		AccessToken: accessToken,
		HTTPClient:  &http.Client{Timeout: httpStoreTimeout},
	}
}

type createRecordInput struct {
	Repo       string      `json:"repo"`
	Collection string      `json:"collection"`
	Rkey       string      `json:"rkey"`
	Record     interface{} `json:"record"`
}

type createRecordOutput struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

func (h *HTTPStore) CreateRecord(ctx context.Context, collection, rkey string, value interface{}) (string, string, error) {
	var out createRecordOutput
	err := h.post(ctx, "com.atproto.repo.createRecord", createRecordInput{
		Repo: h.DID, Collection: collection, Rkey: rkey, Record: value,
	}, &out)
	if err != nil {
		return "", "", err
	}
	return out.URI, out.CID, nil
}

func (h *HTTPStore) PutRecord(ctx context.Context, collection, rkey string, value interface{}) (string, error) {
	var out createRecordOutput
	err := h.post(ctx, "com.atproto.repo.putRecord", createRecordInput{
		Repo: h.DID, Collection: collection, Rkey: rkey, Record: value,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.CID, nil
}

type deleteRecordInput struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Rkey       string `json:"rkey"`
}

func (h *HTTPStore) DeleteRecord(ctx context.Context, collection, rkey string) error {
	return h.post(ctx, "com.atproto.repo.deleteRecord", deleteRecordInput{
		Repo: h.DID, Collection: collection, Rkey: rkey,
	}, nil)
}

type getRecordOutput struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

func (h *HTTPStore) GetRecord(ctx context.Context, collection, rkey string) ([]byte, string, error) {
	q := url.Values{"repo": {h.DID}, "collection": {collection}, "rkey": {rkey}}
	var out getRecordOutput
	if err := h.get(ctx, "com.atproto.repo.getRecord", q, &out); err != nil {
		return nil, "", err
	}
	return out.Value, out.CID, nil
}

type listRecordsOutput struct {
	Cursor  *string `json:"cursor"`
	Records []struct {
		URI   string          `json:"uri"`
		CID   string          `json:"cid"`
		Value json.RawMessage `json:"value"`
	} `json:"records"`
}

func (h *HTTPStore) ListRecords(ctx context.Context, collection string, fn func(rkey string, value []byte, cid string) error) error {
	cursor := ""
	for {
		q := url.Values{"repo": {h.DID}, "collection": {collection}, "limit": {"100"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var out listRecordsOutput
		if err := h.get(ctx, "com.atproto.repo.listRecords", q, &out); err != nil {
			return err
		}
		for _, rec := range out.Records {
			rkey, err := rkeyFromURI(rec.URI)
			if err != nil {
				return err
			}
			if err := fn(rkey, rec.Value, rec.CID); err != nil {
				return err
			}
		}
		if out.Cursor == nil || *out.Cursor == "" {
			return nil
		}
		cursor = *out.Cursor
	}
}

func (h *HTTPStore) GetRepoSnapshot(ctx context.Context, did string) (io.Reader, error) {
	u := h.PDSURL + "/xrpc/com.atproto.sync.getRepo?" + (url.Values{"did": {did}}).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build getRepo request: %w", err)
	}
	resp, err := h.HTTPClient.Do(req)
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
	return buf, nil
}

func (h *HTTPStore) post(ctx context.Context, method string, input interface{}, out interface{}) error {
	body, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode %s input: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.PDSURL+"/xrpc/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	h.setAuth(req)
	return h.do(req, method, out)
}

func (h *HTTPStore) get(ctx context.Context, method string, q url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.PDSURL+"/xrpc/"+method+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	h.setAuth(req)
	return h.do(req, method, out)
}

func (h *HTTPStore) setAuth(req *http.Request) {
	if h.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.AccessToken)
	}
}

func (h *HTTPStore) do(req *http.Request, method string, out interface{}) error {
	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return &TransportError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return &WriteConflictError{Err: fmt.Errorf("%s: status %d", method, resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		return &TransportError{Op: method, Err: fmt.Errorf("status %d: %s", resp.StatusCode, buf.String())}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Err: fmt.Errorf("%s response: %w", method, err)}
	}
	return nil
}

// rkeyFromURI extracts the final path segment of an at:// record URI.
func rkeyFromURI(uri string) (string, error) {
	idx := strings.LastIndexByte(uri, '/')
	if idx < 0 || idx == len(uri)-1 {
		return "", fmt.Errorf("atproto: malformed record uri %q", uri)
	}
	return uri[idx+1:], nil
}
