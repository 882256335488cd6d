package atproto

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

const didResolveTimeout = 10 * time.Second

type didService struct {
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

type didDocument struct {
	ID      string       `json:"id"`
	Service []didService `json:"service"`
}

// ResolvePDSForDID fetches the operator's DID document and returns the
// AtprotoPersonalDataServer service endpoint it advertises. Supports
// did:plc (via plc.directory) and did:web (via .well-known/did.json).
// Returns ("", nil) if the DID scheme is unrecognized or no PDS endpoint
// is listed, never an error in that case: the caller is expected to fall
// back to a configured default.
func ResolvePDSForDID(ctx context.Context, did string) (string, error) {
	if _, err := syntax.ParseDID(did); err != nil {
		return "", fmt.Errorf("invalid did %q: %w", did, err)
	}

	docURL, ok := didDocumentURL(did)
	if !ok {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, didResolveTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return "", fmt.Errorf("build DID document request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch DID document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch DID document: unexpected status %d", resp.StatusCode)
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode DID document: %w", err)
	}

	for _, svc := range doc.Service {
		if svc.Type == "AtprotoPersonalDataServer" {
			return strings.TrimRight(svc.ServiceEndpoint, "/"), nil
		}
	}
	return "", nil
}

func didDocumentURL(did string) (string, bool) {
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		return "https://plc.directory/" + did, true
	case strings.HasPrefix(did, "did:web:"):
		domain := strings.TrimPrefix(did, "did:web:")
		if domain == "" {
			return "", false
		}
		return "https://" + domain + "/.well-known/did.json", true
	default:
		return "", false
	}
}

// FirehoseURLForPDS converts a PDS HTTP(S) base URL into its WebSocket
// firehose equivalent (https:// -> wss://, http:// -> ws://).
func FirehoseURLForPDS(pdsURL string) string {
	pdsURL = strings.Replace(pdsURL, "https://", "wss://", 1)
	pdsURL = strings.Replace(pdsURL, "http://", "ws://", 1)
	return pdsURL
}

// ResolveFirehoseURL resolves the firehose WebSocket base URL for a DID by
// looking up its DID document's PDS endpoint and converting it with
// FirehoseURLForPDS; FirehoseClient appends the subscribeRepos path when it
// dials. A PDS-scoped firehose only
// emits commits for accounts hosted on that PDS, which is far less traffic
// than the global relay. Falls back to fallbackPDSURL if resolution fails
// or finds nothing.
func ResolveFirehoseURL(ctx context.Context, did, fallbackPDSURL string) string {
	pdsURL, err := ResolvePDSForDID(ctx, did)
	if err != nil || pdsURL == "" {
		return FirehoseURLForPDS(fallbackPDSURL)
	}
	return FirehoseURLForPDS(pdsURL)
}
