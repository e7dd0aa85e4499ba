// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
)

const (
	testASToken = "as_secret"
	testBot     = id.UserID("@bridgebot:example.org")
)

type capturedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Auth   string
	Body   []byte
}

// testServer answers every request with the configured status and body
// while capturing what arrived.
type testServer struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
}

func newTestServer(status int, body string) (*testServer, *httptest.Server) {
	ts := &testServer{status: status, body: body}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		contents, _ := io.ReadAll(req.Body)
		ts.mu.Lock()
		ts.requests = append(ts.requests, capturedRequest{
			Method: req.Method,
			Path:   req.URL.EscapedPath(),
			Query:  req.URL.Query(),
			Auth:   req.Header.Get("Authorization"),
			Body:   contents,
		})
		status, body := ts.status, ts.body
		ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body) // nolint: errcheck
	}))
	return ts, server
}

func (ts *testServer) last(t *testing.T) capturedRequest {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(t, ts.requests)
	return ts.requests[len(ts.requests)-1]
}

func (ts *testServer) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.requests)
}

func newTestClient(serverURL string) *Client {
	return New(Config{
		HomeserverURL: serverURL,
		ASToken:       testASToken,
		BotUserID:     testBot,
		Timeout:       5 * time.Second,
	})
}

func TestImpersonationParameter(t *testing.T) {
	ts, server := newTestServer(http.StatusOK, `{"room_id":"!r:example.org"}`)
	defer server.Close()
	c := newTestClient(server.URL)
	ctx := context.Background()

	_, err := c.JoinRoom(ctx, "@ghost_alice:example.org", "!r:example.org", nil)
	require.NoError(t, err)
	req := ts.last(t)
	assert.Equal(t, []string{"@ghost_alice:example.org"}, req.Query["user_id"])
	assert.Equal(t, "Bearer "+testASToken, req.Auth)

	// The bot's own ID and the zero value send no user_id.
	_, err = c.JoinRoom(ctx, testBot, "!r:example.org", nil)
	require.NoError(t, err)
	assert.Empty(t, ts.last(t).Query["user_id"])

	_, err = c.JoinRoom(ctx, "", "!r:example.org", nil)
	require.NoError(t, err)
	assert.Empty(t, ts.last(t).Query["user_id"])
}

func TestRegisterUser(t *testing.T) {
	ts, server := newTestServer(http.StatusOK, `{}`)
	defer server.Close()
	c := newTestClient(server.URL)

	require.NoError(t, c.RegisterUser(context.Background(), "ghost_alice"))
	req := ts.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/_matrix/client/v3/register", req.Path)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "m.login.application_service", body["type"])
	assert.Equal(t, "ghost_alice", body["username"])
	assert.Equal(t, true, body["inhibit_login"])
}

func TestJoinRoomViaServers(t *testing.T) {
	ts, server := newTestServer(http.StatusOK, `{"room_id":"!resolved:example.org"}`)
	defer server.Close()
	c := newTestClient(server.URL)

	roomID, err := c.JoinRoom(context.Background(), "", "#alias:example.org", []string{"one.org", "two.org"})
	require.NoError(t, err)
	assert.Equal(t, id.RoomID("!resolved:example.org"), roomID)
	req := ts.last(t)
	assert.Equal(t, "/_matrix/client/v3/join/%23alias:example.org", req.Path)
	assert.Equal(t, []string{"one.org", "two.org"}, req.Query["server_name"])
}

func TestSendMessageEventPath(t *testing.T) {
	ts, server := newTestServer(http.StatusOK, `{"event_id":"$sent"}`)
	defer server.Close()
	c := newTestClient(server.URL)

	eventID, err := c.SendMessageEvent(context.Background(), "", "!r:example.org", "m.room.message", map[string]string{"body": "hi"})
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$sent"), eventID)

	req := ts.last(t)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.True(t, strings.HasPrefix(req.Path, "/_matrix/client/v3/rooms/!r:example.org/send/m.room.message/go"),
		"transaction IDs are client generated, path was %s", req.Path)
}

func TestSendMassagedMessageEvent(t *testing.T) {
	ts, server := newTestServer(http.StatusOK, `{"event_id":"$sent"}`)
	defer server.Close()
	c := newTestClient(server.URL)

	_, err := c.SendMassagedMessageEvent(context.Background(), "@ghost_alice:example.org",
		"!r:example.org", "m.room.message", map[string]string{"body": "hi"},
		time.UnixMilli(1700000000000))
	require.NoError(t, err)

	req := ts.last(t)
	assert.Equal(t, []string{"1700000000000"}, req.Query["ts"])
	assert.Equal(t, []string{"@ghost_alice:example.org"}, req.Query["user_id"])
}

func TestJoinedMembersMapping(t *testing.T) {
	_, server := newTestServer(http.StatusOK, `{"joined":{
		"@alice:example.org":{"display_name":"Alice","avatar_url":"mxc://example.org/a"},
		"@bob:example.org":{}
	}}`)
	defer server.Close()
	c := newTestClient(server.URL)

	members, err := c.JoinedMembers(context.Background(), "", "!r:example.org")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "Alice", members["@alice:example.org"].Displayname)
	assert.Equal(t, "mxc://example.org/a", members["@alice:example.org"].AvatarURL)
}

func TestErrorClassification(t *testing.T) {
	_, server := newTestServer(http.StatusForbidden, `{"errcode":"M_FORBIDDEN","error":"denied"}`)
	defer server.Close()
	c := newTestClient(server.URL)

	err := c.InviteUser(context.Background(), "", "!r:example.org", "@target:example.org")
	require.Error(t, err)
	assert.True(t, api.IsForbidden(err))
	classified := api.Classify(err)
	assert.Equal(t, "M_FORBIDDEN", classified.Errcode)
	assert.Equal(t, http.StatusForbidden, classified.HTTPStatus)
}

func TestErrorClassificationNonJSONBody(t *testing.T) {
	_, server := newTestServer(http.StatusBadGateway, "upstream broke")
	defer server.Close()
	c := newTestClient(server.URL)

	err := c.LeaveRoom(context.Background(), "", "!r:example.org")
	require.Error(t, err)
	assert.Equal(t, api.KindInternal, api.Classify(err).Kind)
}

func TestAppserviceLogin(t *testing.T) {
	ts, server := newTestServer(http.StatusOK, `{"access_token":"syt_abc"}`)
	defer server.Close()
	c := newTestClient(server.URL)

	token, err := c.AppserviceLogin(context.Background(), "@ghost_alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, "syt_abc", token)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(ts.last(t).Body, &body))
	assert.Equal(t, "uk.half-shot.msc2778.login.application_service", body["type"])
}

func TestSyncOncePrefersSyncProxy(t *testing.T) {
	ts, server := newTestServer(http.StatusOK, `{"next_batch":"s2"}`)
	defer server.Close()
	c := New(Config{
		HomeserverURL: "http://unused.invalid",
		SyncProxyURL:  server.URL,
		ASToken:       testASToken,
		BotUserID:     testBot,
	})

	res, err := c.SyncOnce(context.Background(), "syt_user_token", "s1", `{"room":{}}`, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "s2", res.NextBatch)

	req := ts.last(t)
	assert.Equal(t, "/_matrix/client/v3/sync", req.Path)
	assert.Equal(t, "Bearer syt_user_token", req.Auth, "sync authenticates as the virtual user")
	assert.Equal(t, []string{"s1"}, req.Query["since"])
	assert.Equal(t, []string{"30000"}, req.Query["timeout"])
}

func TestUploadContent(t *testing.T) {
	ts, server := newTestServer(http.StatusOK, `{"content_uri":"mxc://example.org/abc123"}`)
	defer server.Close()
	c := newTestClient(server.URL)

	mxc, err := c.UploadContent(context.Background(), "", []byte("png bytes"), "cat.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, "example.org", mxc.Homeserver)
	assert.Equal(t, "abc123", mxc.FileID)

	req := ts.last(t)
	assert.Equal(t, "/_matrix/media/v3/upload", req.Path)
	assert.Equal(t, []string{"cat.png"}, req.Query["filename"])
	assert.Equal(t, "png bytes", string(req.Body))
}

func TestHasAdminAPIProbesOnce(t *testing.T) {
	ts, server := newTestServer(http.StatusBadRequest, `{"errcode":"M_INVALID_PARAM"}`)
	defer server.Close()
	c := newTestClient(server.URL)

	assert.True(t, c.HasAdminAPI(context.Background()), "400 from the whois probe still means admin access")
	assert.True(t, c.HasAdminAPI(context.Background()))
	assert.Equal(t, 1, ts.count())
}

func TestHasAdminAPIDenied(t *testing.T) {
	_, server := newTestServer(http.StatusNotFound, `{}`)
	defer server.Close()
	c := newTestClient(server.URL)
	assert.False(t, c.HasAdminAPI(context.Background()))
}
