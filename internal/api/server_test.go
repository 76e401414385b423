package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentauth/backend/internal/challenge"
	"github.com/agentauth/backend/internal/core"
	"github.com/agentauth/backend/internal/crypto"
	"github.com/agentauth/backend/internal/engine"
	"github.com/agentauth/backend/internal/middleware"
	"github.com/agentauth/backend/internal/store"
	"github.com/agentauth/backend/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// echoDriver always expects the answer "echo".
type echoDriver struct{}

func (echoDriver) Name() string                 { return "echo" }
func (echoDriver) Dimensions() []core.Dimension { return []core.Dimension{core.DimensionExecution} }
func (echoDriver) EstimatedHumanTimeMs() int64  { return 60000 }
func (echoDriver) EstimatedAITimeMs() int64     { return 500 }

func (echoDriver) Generate(core.Difficulty) (*core.ChallengePayload, error) {
	return &core.ChallengePayload{
		Type:         "echo",
		Instructions: "Reply with the word the data decodes to.",
		Data:         base64.StdEncoding.EncodeToString([]byte("echo")),
		Steps:        1,
	}, nil
}

func (echoDriver) ComputeAnswerHash(*core.ChallengePayload) (string, error) {
	return crypto.SHA256Hex([]byte("echo")), nil
}

func (echoDriver) Verify(answerHash, submitted string) bool {
	return crypto.ConstantTimeEquals(answerHash, crypto.SHA256Hex([]byte(submitted)))
}

func newTestServer(t *testing.T, limiter *middleware.RateLimiter) *Server {
	t.Helper()

	registry := challenge.NewRegistry()
	require.NoError(t, registry.Register(echoDriver{}))

	e, err := engine.New(engine.Config{}, engine.Deps{
		Store:    store.NewMemoryStore(),
		Registry: registry,
		Tokens:   token.NewManager(testSecret),
	})
	require.NoError(t, err)
	return NewServer(e, limiter, 0.7, nil)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func initChallenge(t *testing.T, router http.Handler) engine.InitResult {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/v1/challenge/init",
		map[string]string{"difficulty": "easy"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var res engine.InitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotEmpty(t, res.ID)
	require.NotEmpty(t, res.SessionToken)
	return res
}

func bearer(tok string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + tok}}
}

func TestInitEndpoint(t *testing.T) {
	router := newTestServer(t, nil).Router()
	res := initChallenge(t, router)
	assert.Contains(t, res.ID, "ch_")
	assert.Equal(t, engine.DefaultChallengeTTLSeconds, res.TTLSeconds)
}

func TestInitEndpointEmptyBody(t *testing.T) {
	router := newTestServer(t, nil).Router()
	req := httptest.NewRequest(http.MethodPost, "/v1/challenge/init", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestInitEndpointUnknownDifficulty(t *testing.T) {
	router := newTestServer(t, nil).Router()
	rec := doJSON(t, router, http.MethodPost, "/v1/challenge/init",
		map[string]string{"difficulty": "ludicrous"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "ludicrous")
}

func TestRetrieveEndpoint(t *testing.T) {
	router := newTestServer(t, nil).Router()
	res := initChallenge(t, router)

	rec := doJSON(t, router, http.MethodGet, "/v1/challenge/"+res.ID, nil, bearer(res.SessionToken))
	require.Equal(t, http.StatusOK, rec.Code)

	var public core.PublicChallenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &public))
	assert.Equal(t, res.ID, public.ID)
	assert.Nil(t, public.Payload.Context)
}

func TestRetrieveEndpointRejections(t *testing.T) {
	router := newTestServer(t, nil).Router()
	res := initChallenge(t, router)

	noAuth := doJSON(t, router, http.MethodGet, "/v1/challenge/"+res.ID, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, noAuth.Code)
	assert.Equal(t, "application/problem+json", noAuth.Header().Get("Content-Type"))

	wrongToken := doJSON(t, router, http.MethodGet, "/v1/challenge/"+res.ID, nil, bearer("st_wrong"))
	assert.Equal(t, http.StatusNotFound, wrongToken.Code)

	unknownID := doJSON(t, router, http.MethodGet, "/v1/challenge/ch_missing", nil, bearer(res.SessionToken))
	assert.Equal(t, http.StatusNotFound, unknownID.Code)
}

func TestSolveEndpointSuccess(t *testing.T) {
	router := newTestServer(t, nil).Router()
	res := initChallenge(t, router)

	rec := doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/challenge/%s/solve", res.ID),
		map[string]string{
			"answer": "echo",
			"hmac":   crypto.HMACSHA256Hex("echo", res.SessionToken),
		}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result core.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.Success)
	require.NotEmpty(t, result.Token)

	assert.Equal(t, "verified", rec.Header().Get(core.HeaderStatus))
	assert.Equal(t, core.ProtocolVersion, rec.Header().Get(core.HeaderVersion))
	assert.Equal(t, res.ID, rec.Header().Get(core.HeaderChallengeID))
	assert.NotEmpty(t, rec.Header().Get(core.HeaderTokenExpires))
	parsed := core.ParseCapabilities(rec.Header().Get(core.HeaderCapabilities))
	assert.Equal(t, result.Score.Execution, parsed["execution"])

	// The issued token passes the verify endpoint.
	verify := doJSON(t, router, http.MethodGet, "/v1/token/verify", nil, bearer(result.Token))
	require.Equal(t, http.StatusOK, verify.Code)
	assert.Equal(t, "valid", verify.Header().Get(core.HeaderStatus))

	var checked core.VerifyTokenResult
	require.NoError(t, json.Unmarshal(verify.Body.Bytes(), &checked))
	assert.True(t, checked.Valid)
	require.NotNil(t, checked.Capabilities)
	assert.Equal(t, result.Score, *checked.Capabilities)
}

func TestSolveEndpointFailureIsHTTP200(t *testing.T) {
	router := newTestServer(t, nil).Router()
	res := initChallenge(t, router)

	rec := doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/challenge/%s/solve", res.ID),
		map[string]string{
			"answer": "wrong",
			"hmac":   crypto.HMACSHA256Hex("wrong", res.SessionToken),
		}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result core.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Equal(t, core.FailWrongAnswer, result.Reason)
	assert.Empty(t, rec.Header().Get(core.HeaderStatus))
}

func TestSolveEndpointMalformedBody(t *testing.T) {
	router := newTestServer(t, nil).Router()
	res := initChallenge(t, router)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/challenge/%s/solve", res.ID),
		bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestVerifyTokenEndpointRejections(t *testing.T) {
	router := newTestServer(t, nil).Router()

	noAuth := doJSON(t, router, http.MethodGet, "/v1/token/verify", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, noAuth.Code)

	badToken := doJSON(t, router, http.MethodGet, "/v1/token/verify", nil, bearer("not.a.token"))
	assert.Equal(t, http.StatusUnauthorized, badToken.Code)

	var result core.VerifyTokenResult
	require.NoError(t, json.Unmarshal(badToken.Body.Bytes(), &result))
	assert.False(t, result.Valid)
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: 2,
		BurstSize:         2,
	}, nil, nil)
	defer limiter.Close()
	router := newTestServer(t, limiter).Router()

	for i := 0; i < 2; i++ {
		rec := doJSON(t, router, http.MethodPost, "/v1/challenge/init", nil, nil)
		require.Equal(t, http.StatusCreated, rec.Code, "request %d", i)
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/challenge/init", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var result core.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, core.FailRateLimited, result.Reason)

	// Health endpoint bypasses the limiter.
	health := doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestHealthEndpoint(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{}, nil, nil)
	defer limiter.Close()
	router := newTestServer(t, limiter).Router()

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 0.7, body["min_score"])
	assert.Contains(t, body, "rate_limiter")
}
