package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(rate float64, apiKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return SetupRouter(NewHandler(NewMockRelay(rate, 0, 0, apiKey)))
}

func post(t *testing.T, r *gin.Engine, body interface{}, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mail/send", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func validMail() SendMailRequest {
	return SendMailRequest{
		MessageID: "m-1",
		From:      "news@example.com",
		To:        []string{"a@example.com", "not-an-address"},
		Cc:        []string{"c@example.com"},
		Subject:   "hi",
		HTML:      "<p>hi</p>",
	}
}

func TestSendMail_AcceptsValidRecipients(t *testing.T) {
	r := newTestRouter(1, "")

	w := post(t, r, validMail(), "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp SendMailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.MessageID)
	assert.Equal(t, []string{"a@example.com", "c@example.com"}, resp.Accepted)
	assert.Equal(t, []string{"not-an-address"}, resp.Rejected)
}

func TestSendMail_ZeroRateRejectsAll(t *testing.T) {
	r := newTestRouter(0, "")

	w := post(t, r, validMail(), "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp SendMailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Accepted)
	assert.Len(t, resp.Rejected, 3)
}

func TestSendMail_RequiresAPIKey(t *testing.T) {
	r := newTestRouter(1, "secret")

	assert.Equal(t, http.StatusUnauthorized, post(t, r, validMail(), "").Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, r, validMail(), "wrong").Code)
	assert.Equal(t, http.StatusOK, post(t, r, validMail(), "secret").Code)
}

func TestSendMail_BadRequest(t *testing.T) {
	r := newTestRouter(1, "")

	w := post(t, r, map[string]interface{}{"messageId": "m-1"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthCheck(t *testing.T) {
	r := newTestRouter(0.5, "secret")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 0.5, resp.DeliveryRate)
}
