// Package sdk is the AgentAuth client and resource-server toolkit.
//
// Two integration patterns:
//
//  1. Client: request, retrieve, and solve challenges against an AgentAuth
//     server, then carry the issued capability token to protected services.
//  2. Guard: verify capability tokens locally with the shared secret and
//     gate requests on a minimum capability score, as net/http middleware.
//
// Quick start (client side):
//
//	client := sdk.NewClient(sdk.Config{BaseURL: "https://auth.example.com"})
//	init, _ := client.InitChallenge(ctx, &sdk.InitRequest{Difficulty: "easy"})
//	ch, _ := client.GetChallenge(ctx, init.ID, init.SessionToken)
//	answer := solve(ch.Payload)
//	result, _ := client.Solve(ctx, init.ID, &sdk.SolveRequest{
//	    Answer: answer,
//	    HMAC:   sdk.ComputeHMAC(answer, init.SessionToken),
//	})
package sdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the SDK client configuration.
type Config struct {
	// BaseURL is the AgentAuth server endpoint (required),
	// e.g. "https://auth.yourcompany.com" or "http://localhost:8080".
	BaseURL string

	// Timeout for server round trips (default 30s).
	Timeout time.Duration

	// HTTPClient overrides the transport; nil uses a default client with
	// the configured timeout.
	HTTPClient *http.Client
}

// Client talks to an AgentAuth server.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates an SDK client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{config: cfg, httpClient: httpClient}
}

// ComputeHMAC derives the mandatory solve HMAC: HMAC-SHA256 of the answer
// keyed by the session token, hex encoded.
func ComputeHMAC(answer, sessionToken string) string {
	mac := hmac.New(sha256.New, []byte(sessionToken))
	mac.Write([]byte(answer))
	return hex.EncodeToString(mac.Sum(nil))
}

// InitChallenge requests a new challenge. req may be nil for server defaults.
func (c *Client) InitChallenge(ctx context.Context, req *InitRequest) (*InitResponse, error) {
	if req == nil {
		req = &InitRequest{}
	}
	var res InitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/challenge/init", req, "", http.StatusCreated, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetChallenge retrieves the public challenge using the session token.
func (c *Client) GetChallenge(ctx context.Context, id, sessionToken string) (*Challenge, error) {
	var res Challenge
	if err := c.do(ctx, http.MethodGet, "/v1/challenge/"+id, nil, sessionToken, http.StatusOK, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Solve submits an answer. Verification failures are not errors; inspect
// result.Success and result.Reason.
func (c *Client) Solve(ctx context.Context, id string, req *SolveRequest) (*VerifyResult, error) {
	var res VerifyResult
	if err := c.do(ctx, http.MethodPost, "/v1/challenge/"+id+"/solve", req, "", http.StatusOK, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// VerifyToken asks the server whether a capability token is valid. Invalid
// tokens return Valid=false, not an error.
func (c *Client) VerifyToken(ctx context.Context, token string) (*TokenCheck, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+"/v1/token/verify", nil)
	if err != nil {
		return nil, fmt.Errorf("agentauth-sdk: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agentauth-sdk: request failed: %w", err)
	}
	defer resp.Body.Close()

	// Both 200 and 401 carry a TokenCheck body.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		return nil, fmt.Errorf("agentauth-sdk: unexpected status %d", resp.StatusCode)
	}
	var res TokenCheck
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("agentauth-sdk: parse response: %w", err)
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, bearerToken string, wantStatus int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agentauth-sdk: marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("agentauth-sdk: build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("agentauth-sdk: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agentauth-sdk: %s %s returned %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(detail))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agentauth-sdk: parse response: %w", err)
	}
	return nil
}
