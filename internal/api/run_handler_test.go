package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/analysis-engine/internal/api"
	"github.com/fieldnote/analysis-engine/internal/domain"
	"github.com/fieldnote/analysis-engine/internal/mocks"
	"github.com/fieldnote/analysis-engine/internal/service"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T) (*httptest.Server, *mocks.MemoryStore) {
	t.Helper()

	store := mocks.NewMemoryStore()
	svc, err := service.NewRunService(
		nil,
		store.Runs(),
		store.Items(),
		store.Results(),
		service.Defaults{RatePerSecond: 2, ModelTag: "gemini-2.0-flash"},
		nil,
	)
	require.NoError(t, err)

	server := httptest.NewServer(api.NewRouter(api.RouterConfig{
		RunService:  svc,
		TokenSecret: testSecret,
	}))
	t.Cleanup(server.Close)
	return server, store
}

func bearerToken(t *testing.T, secret string, expiresIn time.Duration) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(expiresIn).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func doRequest(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()

	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequest(method, url, &reqBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func createRunBody(itemCount int) api.CreateRunRequest {
	items := make([]api.ContentItemInput, 0, itemCount)
	for i := 0; i < itemCount; i++ {
		items = append(items, api.ContentItemInput{
			ID:      uuid.New().String(),
			Content: "article body",
		})
	}
	return api.CreateRunRequest{
		Scope:         "august backfill",
		RatePerSecond: 3,
		Items:         items,
	}
}

func TestRunEndpointsRequireAuth(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		t.Parallel()
		resp := doRequest(t, http.MethodGet, server.URL+"/api/runs", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		token := bearerToken(t, "ffffffffffffffffffffffffffffffff", time.Hour)
		resp := doRequest(t, http.MethodGet, server.URL+"/api/runs", token, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("expired token", func(t *testing.T) {
		t.Parallel()
		token := bearerToken(t, testSecret, -time.Hour)
		resp := doRequest(t, http.MethodGet, server.URL+"/api/runs", token, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("health and metrics are open", func(t *testing.T) {
		t.Parallel()
		resp := doRequest(t, http.MethodGet, server.URL+"/healthz", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp = doRequest(t, http.MethodGet, server.URL+"/metrics", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestCreateRunEndpoint(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t)
	token := bearerToken(t, testSecret, time.Hour)

	t.Run("creates run", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, server.URL+"/api/runs", token, createRunBody(2))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		var created api.RunResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
		assert.Equal(t, "pending", created.Status)
		assert.Equal(t, "gemini-2.0-flash", created.ModelTag, "model defaulted")
		assert.Equal(t, 2, created.Counters.Queued)

		runID, err := uuid.Parse(created.ID)
		require.NoError(t, err)
		items, err := store.ListByRun(context.Background(), runID)
		require.NoError(t, err)
		assert.Len(t, items, 2)
	})

	t.Run("rejects empty item list", func(t *testing.T) {
		body := createRunBody(0)
		resp := doRequest(t, http.MethodPost, server.URL+"/api/runs", token, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		req, err := http.NewRequest(
			http.MethodPost,
			server.URL+"/api/runs",
			bytes.NewBufferString("{not json"),
		)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetAndCancelRunEndpoints(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	token := bearerToken(t, testSecret, time.Hour)

	resp := doRequest(t, http.MethodPost, server.URL+"/api/runs", token, createRunBody(2))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created api.RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	runURL := fmt.Sprintf("%s/api/runs/%s", server.URL, created.ID)

	t.Run("get run", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, runURL, token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got api.RunResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, 2, got.Counters.Queued)
	})

	t.Run("list active runs", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, server.URL+"/api/runs", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var runs []api.RunResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
		assert.NotEmpty(t, runs)
	})

	t.Run("unknown run is 404", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, server.URL+"/api/runs/"+uuid.NewString(), token, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("invalid run ID is 400", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, server.URL+"/api/runs/not-a-uuid", token, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("cancel run", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, runURL+"/cancel", token, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		// A second cancel conflicts.
		resp = doRequest(t, http.MethodPost, runURL+"/cancel", token, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)

		resp = doRequest(t, http.MethodGet, runURL, token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got api.RunResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, "cancelled", got.Status)
		assert.Equal(t, 2, got.Counters.Skipped)
	})
}

func TestResultAndStatsEndpoints(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t)
	token := bearerToken(t, testSecret, time.Hour)
	ctx := context.Background()

	contentID := uuid.New()
	result, err := domain.NewAnalysisResult(contentID, domain.Classification{
		Sentiment: domain.SentimentNegative,
		Impact:    domain.ImpactHigh,
	}, "gemini-2.0-flash")
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, result))

	t.Run("get result", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, server.URL+"/api/results/"+contentID.String(), token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var got api.ResultResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, "negative", got.Sentiment)
		assert.Equal(t, "high", got.Impact)
		assert.False(t, got.Fallback)
	})

	t.Run("missing result is 404", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, server.URL+"/api/results/"+uuid.NewString(), token, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("deferred stats", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, server.URL+"/api/stats/deferred", token, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
