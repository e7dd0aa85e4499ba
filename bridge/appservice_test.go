// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/setup/config"
)

const testHSToken = "hs_secret"

type stubClient struct {
	api.ClientServerAPI

	mu           sync.Mutex
	registered   []string
	displayNames map[id.UserID]string
	created      []*api.CreateRoomRequest
	joined       []id.UserID
}

func newStubClient() *stubClient {
	return &stubClient{displayNames: make(map[id.UserID]string)}
}

func (c *stubClient) RegisterUser(ctx context.Context, localpart string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = append(c.registered, localpart)
	return nil
}

func (c *stubClient) Profile(ctx context.Context, asUser, target id.UserID) (*api.MemberProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &api.MemberProfile{Displayname: c.displayNames[target]}, nil
}

func (c *stubClient) SetDisplayName(ctx context.Context, asUser id.UserID, displayName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.displayNames[asUser] = displayName
	return nil
}

func (c *stubClient) JoinRoom(ctx context.Context, asUser id.UserID, roomIDOrAlias string, via []string) (id.RoomID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, asUser)
	return id.RoomID(roomIDOrAlias), nil
}

func (c *stubClient) CreateRoom(ctx context.Context, asUser id.UserID, req *api.CreateRoomRequest) (id.RoomID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, req)
	return "!created:example.org", nil
}

func testConfig() *config.Bridge {
	cfg := &config.Bridge{}
	cfg.Defaults()
	cfg.Homeserver.URL = "http://localhost:8008"
	cfg.Homeserver.Domain = "example.org"
	cfg.AppService.EventQueueType = config.EventQueueNone
	return cfg
}

func testRegistration(t *testing.T) *config.Registration {
	t.Helper()
	reg := &config.Registration{
		ID:              "testbridge",
		ASToken:         "as_secret",
		HSToken:         testHSToken,
		SenderLocalpart: "bridgebot",
	}
	reg.Namespaces.Users = []config.Namespace{{Regex: `@ghost_.*:example\.org`, Exclusive: true}}
	reg.Namespaces.Aliases = []config.Namespace{{Regex: `#remote_.*:example\.org`}}
	require.NoError(t, reg.Compile())
	return reg
}

type testBridge struct {
	bridge *Bridge
	client *stubClient
	router *mux.Router

	mu     sync.Mutex
	events []*api.Event
}

func newTestBridge(t *testing.T, controller Controller) *testBridge {
	t.Helper()
	tb := &testBridge{client: newStubClient()}
	if controller.OnEvent == nil {
		controller.OnEvent = func(ctx context.Context, ev *api.Event) error {
			tb.mu.Lock()
			defer tb.mu.Unlock()
			tb.events = append(tb.events, ev)
			return nil
		}
	}
	b, err := New(Opts{
		Config:       testConfig(),
		Registration: testRegistration(t),
		Client:       tb.client,
		Controller:   controller,
	})
	require.NoError(t, err)
	tb.bridge = b
	tb.router = mux.NewRouter()
	b.Routes(tb.router)
	return tb
}

func (tb *testBridge) eventCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.events)
}

func (tb *testBridge) request(method, path, body string, authorize bool) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authorize {
		req.Header.Set("Authorization", "Bearer "+testHSToken)
	}
	rec := httptest.NewRecorder()
	tb.router.ServeHTTP(rec, req)
	return rec
}

func waitForEvents(t *testing.T, tb *testBridge, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tb.eventCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", want, tb.eventCount())
}

func TestTransactionRequiresToken(t *testing.T) {
	tb := newTestBridge(t, Controller{})

	rec := tb.request(http.MethodPut, "/_matrix/app/v1/transactions/1", `{"events":[]}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPut, "/_matrix/app/v1/transactions/1", strings.NewReader(`{"events":[]}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	tb.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTransactionDispatchesEvents(t *testing.T) {
	tb := newTestBridge(t, Controller{})

	body := `{"events":[
		{"event_id":"$a","type":"m.room.message","room_id":"!r:example.org","sender":"@alice:example.org","content":{"body":"hi"}},
		{"event_id":"$b","type":"m.room.message","room_id":"!r:example.org","sender":"@alice:example.org","content":{"body":"there"}}
	]}`
	rec := tb.request(http.MethodPut, "/_matrix/app/v1/transactions/txn-1", body, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	waitForEvents(t, tb, 2)
}

func TestTransactionDeduplication(t *testing.T) {
	tb := newTestBridge(t, Controller{})

	body := `{"events":[{"event_id":"$a","type":"m.room.message","room_id":"!r:example.org","sender":"@alice:example.org","content":{}}]}`
	assert.Equal(t, http.StatusOK, tb.request(http.MethodPut, "/transactions/txn-dup", body, true).Code)
	waitForEvents(t, tb, 1)

	// The homeserver retries with the same transaction ID; nothing is
	// dispatched again.
	assert.Equal(t, http.StatusOK, tb.request(http.MethodPut, "/transactions/txn-dup", body, true).Code)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tb.eventCount())
}

func TestTransactionRejectsMalformedBody(t *testing.T) {
	tb := newTestBridge(t, Controller{})
	rec := tb.request(http.MethodPut, "/_matrix/app/v1/transactions/txn-bad", `{not json`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransactionLegacyPath(t *testing.T) {
	tb := newTestBridge(t, Controller{})
	body := `{"events":[{"event_id":"$a","type":"m.room.message","room_id":"!r:example.org","sender":"@alice:example.org","content":{}}]}`
	rec := tb.request(http.MethodPut, "/transactions/txn-legacy", body, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	waitForEvents(t, tb, 1)
}

func TestUserQueryProvisionsGhost(t *testing.T) {
	tb := newTestBridge(t, Controller{
		OnUserQuery: func(ctx context.Context, userID id.UserID) *UserProvision {
			return &UserProvision{DisplayName: "Alice (Remote)"}
		},
	})

	rec := tb.request(http.MethodGet, "/_matrix/app/v1/users/@ghost_alice:example.org", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	tb.client.mu.Lock()
	defer tb.client.mu.Unlock()
	assert.Contains(t, tb.client.registered, "ghost_alice")
	assert.Equal(t, "Alice (Remote)", tb.client.displayNames["@ghost_alice:example.org"])
}

func TestUserQueryOutsideNamespace(t *testing.T) {
	queried := false
	tb := newTestBridge(t, Controller{
		OnUserQuery: func(ctx context.Context, userID id.UserID) *UserProvision {
			queried = true
			return &UserProvision{}
		},
	})

	rec := tb.request(http.MethodGet, "/_matrix/app/v1/users/@someone:example.org", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, queried, "the controller never sees users the bridge does not claim")
}

func TestUserQueryDeclined(t *testing.T) {
	tb := newTestBridge(t, Controller{
		OnUserQuery: func(ctx context.Context, userID id.UserID) *UserProvision {
			return nil
		},
	})
	rec := tb.request(http.MethodGet, "/_matrix/app/v1/users/@ghost_alice:example.org", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	tb.client.mu.Lock()
	defer tb.client.mu.Unlock()
	assert.Empty(t, tb.client.registered)
}

func TestAliasQueryProvisionsRoom(t *testing.T) {
	tb := newTestBridge(t, Controller{
		OnAliasQuery: func(ctx context.Context, alias string) *RoomProvision {
			return &RoomProvision{CreateRoom: &api.CreateRoomRequest{Name: "Remote Channel"}}
		},
	})

	rec := tb.request(http.MethodGet, "/_matrix/app/v1/rooms/"+escapeAlias("#remote_general:example.org"), "", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	tb.client.mu.Lock()
	defer tb.client.mu.Unlock()
	require.Len(t, tb.client.created, 1)
	assert.Equal(t, "Remote Channel", tb.client.created[0].Name)
	assert.Equal(t, "remote_general", tb.client.created[0].RoomAliasName,
		"the alias localpart is derived when the controller leaves it empty")
}

func TestAliasQueryOutsideNamespace(t *testing.T) {
	tb := newTestBridge(t, Controller{
		OnAliasQuery: func(ctx context.Context, alias string) *RoomProvision {
			return &RoomProvision{CreateRoom: &api.CreateRoomRequest{}}
		},
	})
	rec := tb.request(http.MethodGet, "/_matrix/app/v1/rooms/"+escapeAlias("#unclaimed:example.org"), "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	tb := newTestBridge(t, Controller{})
	rec := tb.request(http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)
}

func TestRunServicesMembershipQueue(t *testing.T) {
	tb := newTestBridge(t, Controller{})
	tb.bridge.cfg.AppService.BindAddress = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- tb.bridge.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	_, err := tb.bridge.MembershipQueue().
		QueueJoin("!r:example.org", "@ghost_alice:example.org", 0).
		Wait(waitCtx)
	require.NoError(t, err, "a queued join against a running bridge must be serviced")

	tb.client.mu.Lock()
	joined := append([]id.UserID(nil), tb.client.joined...)
	tb.client.mu.Unlock()
	assert.Contains(t, joined, id.UserID("@ghost_alice:example.org"))

	cancel()
	select {
	case runErr := <-runDone:
		assert.NoError(t, runErr)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not shut down")
	}
}

func TestTxnDedupBacklogBound(t *testing.T) {
	dedup := newTxnDedup()
	for n := 0; n < transactionBacklog; n++ {
		assert.False(t, dedup.Check(fmt.Sprintf("txn-%d", n)))
	}
	assert.True(t, dedup.Check("txn-0"))

	// One more pushes the oldest ID out of the backlog.
	assert.False(t, dedup.Check("txn-overflow"))
	assert.False(t, dedup.Check("txn-0"), "evicted IDs are forgotten")
	assert.True(t, dedup.Check("txn-1"))
}

func TestAliasLocalpart(t *testing.T) {
	assert.Equal(t, "remote_general", aliasLocalpart("#remote_general:example.org"))
	assert.Equal(t, "remote_general", aliasLocalpart("remote_general:example.org"))
	assert.Equal(t, "plain", aliasLocalpart("#plain"))
}

func escapeAlias(alias string) string {
	return strings.ReplaceAll(alias, "#", "%23")
}
