package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPDocumentStore resolves blocks from the external document-ingestion
// service over HTTP (spec §1 "out of scope: document ingestion", §6
// "get_block"). The core never stores document content itself — this is
// a thin read-through client, the same shape as the teacher's
// OCX_ENTROPY_URL Python-service call in cmd/socket-gateway/main.go.
type HTTPDocumentStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDocumentStore builds a client against baseURL, e.g.
// "https://documents.internal".
func NewHTTPDocumentStore(baseURL string, timeout time.Duration) *HTTPDocumentStore {
	return &HTTPDocumentStore{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type getBlockResponse struct {
	Text            string            `json:"text"`
	VoiceParams     map[string]string `json:"voice_params"`
	UsageMultiplier float64           `json:"usage_multiplier"`
}

// GetBlock implements DocumentStore.
func (s *HTTPDocumentStore) GetBlock(documentID string, blockIdx int) (Block, error) {
	u := fmt.Sprintf("%s/documents/%s/blocks/%s", s.baseURL, url.PathEscape(documentID), strconv.Itoa(blockIdx))

	resp, err := s.client.Get(u)
	if err != nil {
		return Block{}, fmt.Errorf("orchestrator: get_block request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Block{}, ErrBlockNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Block{}, fmt.Errorf("orchestrator: get_block: unexpected status %d", resp.StatusCode)
	}

	var body getBlockResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Block{}, fmt.Errorf("orchestrator: get_block decode: %w", err)
	}

	return Block{
		Text:            body.Text,
		VoiceParams:     body.VoiceParams,
		UsageMultiplier: body.UsageMultiplier,
	}, nil
}
