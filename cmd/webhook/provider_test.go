package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func post(router http.Handler, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(authHeader, key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestMockProvider_Send(t *testing.T) {
	router := SetupRouter(NewMockProvider("secret", 0, 0, 0))

	w := post(router, `{"to":"+905551111111","content":"hello"}`, "secret")
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp SendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Accepted", resp.Message)
	_, err := uuid.Parse(resp.MessageID)
	assert.NoError(t, err)
}

func TestMockProvider_Rejects(t *testing.T) {
	router := SetupRouter(NewMockProvider("secret", 0, 0, 0))

	assert.Equal(t, http.StatusUnauthorized, post(router, `{"to":"+1","content":"x"}`, "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, post(router, `{"to":"+1","content":"x"}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, post(router, `{"to":"+1"}`, "secret").Code)
	assert.Equal(t, http.StatusBadRequest, post(router, `not json`, "secret").Code)
}

func TestMockProvider_FailureRate(t *testing.T) {
	router := SetupRouter(NewMockProvider("", 1, 0, 0))

	w := post(router, `{"to":"+905551111111","content":"hello"}`, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMockProvider_UpdateConfig(t *testing.T) {
	p := NewMockProvider("", 1, 0, 0)
	router := SetupRouter(p)

	req := httptest.NewRequest(http.MethodPut, "/config", strings.NewReader(`{"failure_rate":0}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusAccepted, post(router, `{"to":"+905551111111","content":"hello"}`, "").Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, int64(1), health.Accepted)
	assert.Equal(t, float64(0), health.FailureRate)
}
