package purchase

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChatRouter(t *testing.T) *gin.Engine {
	t.Helper()
	conv, _ := newTestConversation(t, 50000)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(conv).RegisterRoutes(r.Group("/api"))
	return r
}

func post(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

type repliesResponse struct {
	Replies []Reply `json:"replies"`
}

func TestChatEndpoints_PurchaseFlow(t *testing.T) {
	r := newChatRouter(t)

	w := post(t, r, "/api/chat/42/start", "")
	require.Equal(t, http.StatusOK, w.Code)

	var res repliesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Replies, 1)
	assert.Contains(t, res.Replies[0].Text, "Welcome!")

	for _, step := range []struct {
		text     string
		contains string
	}{
		{"Buy Bitcoin", "Step 1 of 2"},
		{"validaddresslongenough", "Step 2 of 2"},
	} {
		w = post(t, r, "/api/chat/42/message", `{"text":"`+step.text+`"}`)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		require.Len(t, res.Replies, 1)
		assert.Contains(t, res.Replies[0].Text, step.contains)
	}

	w = post(t, r, "/api/chat/42/message", `{"text":"10000"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Replies, 1)
	assert.Equal(t, "payment", res.Replies[0].Type)
	assert.NotEmpty(t, res.Replies[0].PayURL)
}

func TestChatEndpoints_MessageRequiresText(t *testing.T) {
	r := newChatRouter(t)

	w := post(t, r, "/api/chat/42/message", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatEndpoints_StartWithPayload(t *testing.T) {
	r := newChatRouter(t)

	// No session yet: a payment payload cannot be linked.
	w := post(t, r, "/api/chat/42/start", `{"payload":"payment_abc123"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var res repliesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Replies, 1)
	assert.Contains(t, res.Replies[0].Text, "Could not link your transaction")
}
