package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/agentauth/backend/internal/core"
)

// EdgeKVStore persists challenge records in a Cloudflare Workers KV namespace
// over its REST API. Writes attach expiration_ttl so the edge enforces the
// TTL; a 404 on read maps to the standard (nil, nil) miss.
type EdgeKVStore struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewEdgeKVStore builds a store against a KV namespace endpoint of the form
// https://api.cloudflare.com/client/v4/accounts/<acct>/storage/kv/namespaces/<ns>.
func NewEdgeKVStore(baseURL, apiToken string) *EdgeKVStore {
	return &EdgeKVStore{
		baseURL:    baseURL,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *EdgeKVStore) valueURL(id string, query string) string {
	u := s.baseURL + "/values/" + url.PathEscape("agentauth:ch:"+id)
	if query != "" {
		u += "?" + query
	}
	return u
}

func (s *EdgeKVStore) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+s.apiToken)
	return s.httpClient.Do(req)
}

func (s *EdgeKVStore) Set(ctx context.Context, id string, record *core.ChallengeRecord, ttlSeconds int) error {
	data, err := marshalRecord(record)
	if err != nil {
		return err
	}

	// KV rejects TTLs under a minute.
	ttl := ttlSeconds
	if ttl < 60 {
		ttl = 60
	}
	q := url.Values{"expiration_ttl": {strconv.Itoa(ttl)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.valueURL(id, q), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build kv put: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.do(req)
	if err != nil {
		return fmt.Errorf("kv put %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kv put %s: unexpected status %d", id, resp.StatusCode)
	}
	return nil
}

func (s *EdgeKVStore) Get(ctx context.Context, id string) (*core.ChallengeRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.valueURL(id, ""), nil)
	if err != nil {
		return nil, fmt.Errorf("build kv get: %w", err)
	}

	resp, err := s.do(req)
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read kv value %s: %w", id, err)
		}
		return unmarshalRecord(data)
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("kv get %s: unexpected status %d", id, resp.StatusCode)
	}
}

func (s *EdgeKVStore) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.valueURL(id, ""), nil)
	if err != nil {
		return fmt.Errorf("build kv delete: %w", err)
	}

	resp, err := s.do(req)
	if err != nil {
		return fmt.Errorf("kv delete %s: %w", id, err)
	}
	defer resp.Body.Close()

	// A missing key is already deleted.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("kv delete %s: unexpected status %d", id, resp.StatusCode)
	}
	return nil
}
