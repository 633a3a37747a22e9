package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangenthq/tangent/internal/api/auth"
	"github.com/tangenthq/tangent/internal/assembler"
	"github.com/tangenthq/tangent/internal/thread"
)

type testServer struct {
	server  *Server
	service *thread.Service
	token   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := thread.NewInMemoryStore()
	service := thread.NewService(store, nil)
	tokens := auth.NewTokenService("test-secret")

	token, err := tokens.GenerateAccessToken("user-1", time.Hour)
	require.NoError(t, err)

	return &testServer{
		server:  NewServer(0, service, assembler.New(store), tokens),
		service: service,
		token:   token,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+ts.token)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestHealthEndpointNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestsWithoutTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndGetConversation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/conversations", `{"title":"My chat"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created conversationTreeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "My chat", created.Conversation.Title)
	require.Len(t, created.Threads, 1)
	assert.Equal(t, 0, created.Threads[0].Depth)

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/"+created.Conversation.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestForkMergeFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, main, err := ts.service.CreateConversation(ctx, "user-1", "chat")
	require.NoError(t, err)
	_, err = ts.service.AppendMessage(ctx, "user-1", main.ID, thread.RoleUser, "hello")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/v1/threads/"+main.ID+"/fork", `{"highlighted_text":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var tangent thread.Thread
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tangent))
	assert.Equal(t, 1, tangent.Depth)

	rec = ts.do(t, http.MethodPost, "/api/v1/threads/"+tangent.ID+"/merge", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var merged mergeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &merged))
	assert.Equal(t, tangent.ID, merged.MergeEvent.SourceThreadID)
	assert.Equal(t, main.ID, merged.MergeEvent.TargetThreadID)

	// A second merge of the same tangent conflicts.
	rec = ts.do(t, http.MethodPost, "/api/v1/threads/"+tangent.ID+"/merge", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, main, err := ts.service.CreateConversation(ctx, "user-1", "chat")
	require.NoError(t, err)

	// Unknown ids look absent.
	rec := ts.do(t, http.MethodGet, "/api/v1/conversations/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Merging the main thread is a state conflict.
	rec = ts.do(t, http.MethodPost, "/api/v1/threads/"+main.ID+"/merge", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Validation failures are bad requests.
	rec = ts.do(t, http.MethodPost, "/api/v1/threads/"+main.ID+"/fork", `{"highlighted_text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOtherUsersConversationsAreInvisible(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	conv, _, err := ts.service.CreateConversation(ctx, "someone-else", "private")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTangentSnapshotEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	conv, main, err := ts.service.CreateConversation(ctx, "user-1", "chat")
	require.NoError(t, err)
	_, err = ts.service.AppendMessage(ctx, "user-1", main.ID, thread.RoleUser, "hello")
	require.NoError(t, err)
	t1, err := ts.service.Fork(ctx, "user-1", main.ID, "hello")
	require.NoError(t, err)
	t2, err := ts.service.Fork(ctx, "user-1", main.ID, "hello again")
	require.NoError(t, err)
	_, err = ts.service.Archive(ctx, "user-1", t2.ID)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/conversations/%s/tangents", conv.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap tangentSnapshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, main.ID, snap.MainThreadID)
	require.Len(t, snap.Tangents, 1)
	assert.Equal(t, t1.ID, snap.Tangents[0].ThreadID)
	assert.Equal(t, "main", snap.Tangents[0].ParentThreadID)
}

func TestAppendAndListMessagesOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, main, err := ts.service.CreateConversation(ctx, "user-1", "chat")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/v1/threads/"+main.ID+"/messages", `{"role":"USER","content":"hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/threads/"+main.ID+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []*thread.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestContextEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, main, err := ts.service.CreateConversation(ctx, "user-1", "chat")
	require.NoError(t, err)
	_, err = ts.service.AppendMessage(ctx, "user-1", main.ID, thread.RoleUser, "hello")
	require.NoError(t, err)
	t1, err := ts.service.Fork(ctx, "user-1", main.ID, "hello")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/v1/threads/"+t1.ID+"/context", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var msgs []assembler.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.NotEmpty(t, msgs)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "user", msgs[0].Role)
}
