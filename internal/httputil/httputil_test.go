// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/matrix-appservice-bridge/api"
)

func tokenRequest(header, query string) *http.Request {
	target := "/transactions/1"
	if query != "" {
		target += "?access_token=" + query
	}
	req := httptest.NewRequest(http.MethodPut, target, nil)
	if header != "" {
		req.Header.Set("Authorization", "Bearer "+header)
	}
	return req
}

func TestCheckHomeserverToken(t *testing.T) {
	const hsToken = "the-hs-token"

	tests := []struct {
		name     string
		header   string
		query    string
		wantCode int
	}{
		{"valid header", hsToken, "", 0},
		{"valid query", "", hsToken, 0},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong header", "nope", "", http.StatusForbidden},
		{"wrong query", "", "nope", http.StatusForbidden},
		{"header wins over query", hsToken, "ignored", 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			res := CheckHomeserverToken(tokenRequest(test.header, test.query), hsToken)
			if test.wantCode == 0 {
				assert.Nil(t, res)
				return
			}
			require.NotNil(t, res)
			assert.Equal(t, test.wantCode, res.Code)
		})
	}
}

func TestRateLimitsThreshold(t *testing.T) {
	limits := NewRateLimits(true, 3, time.Hour)
	defer limits.Stop()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"

	for n := 0; n < 3; n++ {
		assert.Nil(t, limits.Limit("test", req), "request %d within budget", n)
	}
	res := limits.Limit("test", req)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusTooManyRequests, res.Code)
}

func TestRateLimitsPerCaller(t *testing.T) {
	limits := NewRateLimits(true, 1, time.Hour)
	defer limits.Stop()

	first := httptest.NewRequest(http.MethodGet, "/", nil)
	first.RemoteAddr = "203.0.113.9:1234"
	second := httptest.NewRequest(http.MethodGet, "/", nil)
	second.RemoteAddr = "198.51.100.7:1234"

	assert.Nil(t, limits.Limit("test", first))
	assert.NotNil(t, limits.Limit("test", first))
	assert.Nil(t, limits.Limit("test", second), "a different caller has its own bucket")
}

func TestRateLimitsDisabled(t *testing.T) {
	limits := NewRateLimits(false, 1, time.Hour)
	defer limits.Stop()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	for n := 0; n < 10; n++ {
		assert.Nil(t, limits.Limit("test", req))
	}
}

func TestErrorResponseMapping(t *testing.T) {
	tests := []struct {
		kind api.Kind
		want int
	}{
		{api.KindBadValue, http.StatusBadRequest},
		{api.KindNotFound, http.StatusNotFound},
		{api.KindForbidden, http.StatusForbidden},
		{api.KindRateLimited, http.StatusTooManyRequests},
		{api.KindInternal, http.StatusInternalServerError},
		{api.KindUnknown, http.StatusInternalServerError},
	}
	for _, test := range tests {
		res := ErrorResponse(api.NewError(test.kind, "boom"))
		assert.Equal(t, test.want, res.Code, "kind %v", test.kind)
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}
