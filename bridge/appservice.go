// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/intent"
	"github.com/element-hq/matrix-appservice-bridge/internal/httputil"
	iutil "github.com/element-hq/matrix-appservice-bridge/internal/util"
)

// transactionBacklog is how many processed transaction IDs are retained
// for duplicate suppression.
const transactionBacklog = 128

// transaction is the body of PUT /transactions/{txnId}.
type transaction struct {
	Events []api.Event `json:"events"`
}

// txnDedup remembers the last transactionBacklog transaction IDs.
type txnDedup struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func newTxnDedup() *txnDedup {
	return &txnDedup{seen: make(map[string]struct{}, transactionBacklog)}
}

// Check records the ID and reports whether it was already seen.
func (d *txnDedup) Check(txnID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[txnID]; dup {
		return true
	}
	d.seen[txnID] = struct{}{}
	d.order = append(d.order, txnID)
	if len(d.order) > transactionBacklog {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	return false
}

// listen serves the application-service HTTP API until ctx is done.
func (b *Bridge) listen(ctx context.Context) error {
	router := mux.NewRouter()
	b.Routes(router)
	server := &http.Server{
		Addr:    b.cfg.AppService.BindAddress,
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx) // nolint: errcheck
	}()
	b.log.WithField("address", b.cfg.AppService.BindAddress).Info("Application service listening")
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Routes attaches the AS endpoints, on both the modern and the legacy
// unprefixed paths.
func (b *Bridge) Routes(router *mux.Router) {
	dedup := newTxnDedup()
	for _, prefix := range []string{"/_matrix/app/v1", ""} {
		sub := router.PathPrefix(prefix).Subrouter()
		sub.Handle("/transactions/{txnId}", b.makeASHandler("transactions", func(req *http.Request) util.JSONResponse {
			return b.handleTransaction(req, dedup)
		})).Methods(http.MethodPut)
		sub.Handle("/users/{userId}", b.makeASHandler("user_query", b.handleUserQuery)).Methods(http.MethodGet)
		sub.Handle("/rooms/{roomAlias}", b.makeASHandler("alias_query", b.handleAliasQuery)).Methods(http.MethodGet)
	}
	router.Handle("/health", httputil.HealthHandler()).Methods(http.MethodGet)
}

// makeASHandler wraps a handler with homeserver token auth.
func (b *Bridge) makeASHandler(name string, f func(*http.Request) util.JSONResponse) http.Handler {
	return httputil.MakeServiceAPI(name, func(req *http.Request) util.JSONResponse {
		if res := httputil.CheckHomeserverToken(req, b.reg.HSToken); res != nil {
			return *res
		}
		return f(req)
	})
}

func (b *Bridge) handleTransaction(req *http.Request, dedup *txnDedup) util.JSONResponse {
	txnID := mux.Vars(req)["txnId"]
	if dedup.Check(txnID) {
		return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
	}
	var txn transaction
	if err := json.NewDecoder(req.Body).Decode(&txn); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("Malformed transaction body"),
		}
	}
	b.log.WithField("txn_id", txnID).WithField("events", len(txn.Events)).Debug("Received transaction")
	for n := range txn.Events {
		b.dispatch(&txn.Events[n])
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// handleUserQuery lazily provisions a ghost the homeserver asked about.
func (b *Bridge) handleUserQuery(req *http.Request) util.JSONResponse {
	userID := id.UserID(mux.Vars(req)["userId"])
	if b.controller.OnUserQuery == nil || !b.reg.InUserNamespace(userID) {
		return userNotFound()
	}
	provision := b.controller.OnUserQuery(req.Context(), userID)
	if provision == nil {
		return userNotFound()
	}
	ghost := b.GetIntent(userID)
	if err := ghost.EnsureRegistered(req.Context()); err != nil {
		return httputil.ErrorResponse(err)
	}
	if provision.DisplayName != "" || provision.AvatarURL != "" {
		if err := ghost.EnsureProfile(req.Context(), provision.DisplayName, provision.AvatarURL); err != nil {
			return httputil.ErrorResponse(err)
		}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// handleAliasQuery lazily provisions a room behind a queried alias.
func (b *Bridge) handleAliasQuery(req *http.Request) util.JSONResponse {
	alias := mux.Vars(req)["roomAlias"]
	if b.controller.OnAliasQuery == nil || !b.reg.InAliasNamespace(alias) {
		return roomNotFound()
	}
	provision := b.controller.OnAliasQuery(req.Context(), alias)
	if provision == nil || provision.CreateRoom == nil {
		return roomNotFound()
	}
	if provision.CreateRoom.RoomAliasName == "" {
		provision.CreateRoom.RoomAliasName = aliasLocalpart(alias)
	}
	if _, err := b.botIntent.CreateRoom(req.Context(), intent.CreateRoomOpts{Options: provision.CreateRoom}); err != nil {
		return httputil.ErrorResponse(err)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

func aliasLocalpart(alias string) string {
	localpart := strings.TrimPrefix(iutil.NormalizeRoomAlias(alias), "#")
	if n := strings.IndexByte(localpart, ':'); n >= 0 {
		localpart = localpart[:n]
	}
	return localpart
}

func userNotFound() util.JSONResponse {
	return util.JSONResponse{
		Code: http.StatusNotFound,
		JSON: spec.NotFound("User is not claimed by this application service"),
	}
}

func roomNotFound() util.JSONResponse {
	return util.JSONResponse{
		Code: http.StatusNotFound,
		JSON: spec.NotFound("Alias is not claimed by this application service"),
	}
}
