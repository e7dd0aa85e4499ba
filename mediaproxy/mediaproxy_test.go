// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package mediaproxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/setup/config"
)

type fakeFetcher struct {
	events map[id.EventID]*api.Event
}

func (f *fakeFetcher) Event(ctx context.Context, roomID id.RoomID, eventID id.EventID, useCache bool) (*api.Event, error) {
	ev, ok := f.events[eventID]
	if !ok {
		return nil, api.NewError(api.KindNotFound, "no event %s", eventID)
	}
	return ev, nil
}

type fakeDownloader struct {
	body         string
	contentType  string
	lastMXC      id.ContentURI
	lastToken    string
	failWithCode api.Kind
}

func (f *fakeDownloader) DownloadMedia(ctx context.Context, mxc id.ContentURI, contentToken string) (*http.Response, error) {
	f.lastMXC = mxc
	f.lastToken = contentToken
	if f.failWithCode != 0 {
		return nil, api.NewError(f.failWithCode, "download refused")
	}
	header := http.Header{}
	header.Set("Content-Type", f.contentType)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func newProxy(t *testing.T, fetcher *fakeFetcher, downloader *fakeDownloader, ttl int64) *MediaProxy {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "signing.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("0123456789abcdef0123456789abcdef"), 0o600))
	proxy, err := New(config.MediaProxy{
		SigningKeyPath: keyPath,
		PublicURL:      "https://media.example.org",
		TTLSeconds:     ttl,
	}, fetcher, downloader, nil)
	require.NoError(t, err)
	return proxy
}

func mediaEvent(t *testing.T, eventID id.EventID, content map[string]interface{}) *api.Event {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return &api.Event{
		ID:      eventID,
		Type:    api.EventTypeMessage,
		RoomID:  "!room:example.org",
		Content: raw,
	}
}

func serveURL(t *testing.T, proxy *MediaProxy, rawURL string) *httptest.ResponseRecorder {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	router := mux.NewRouter()
	proxy.Routes(router)
	req := httptest.NewRequest(http.MethodGet, parsed.Path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMediaTokenLayoutIsFlat(t *testing.T) {
	proxy := newProxy(t, &fakeFetcher{}, &fakeDownloader{}, 3600)

	mediaURL, err := proxy.GenerateMediaURL("!room:example.org", "$media", "abc123")
	require.NoError(t, err)
	parsed, err := url.Parse(mediaURL)
	require.NoError(t, err)
	token := path.Base(parsed.Path)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))

	// The payload fields sit beside the signature at the top level.
	for _, key := range []string{"endDt", "eventId", "mediaId", "roomId", "signature"} {
		assert.Contains(t, decoded, key)
	}
	assert.NotContains(t, decoded, "payload")
	assert.JSONEq(t, `"abc123"`, string(decoded["mediaId"]))
	assert.JSONEq(t, `"!room:example.org"`, string(decoded["roomId"]))
}

func TestMediaDownloadHappyPath(t *testing.T) {
	fetcher := &fakeFetcher{events: map[id.EventID]*api.Event{
		"$media": mediaEvent(t, "$media", map[string]interface{}{
			"url": "mxc://example.org/abc123",
		}),
	}}
	downloader := &fakeDownloader{body: "image bytes", contentType: "image/png"}
	proxy := newProxy(t, fetcher, downloader, 3600)

	mediaURL, err := proxy.GenerateMediaURL("!room:example.org", "$media", "abc123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(mediaURL, "https://media.example.org/v1/media/download/"))

	rec := serveURL(t, proxy, mediaURL)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image bytes", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "example.org", downloader.lastMXC.Homeserver)
	assert.Equal(t, "abc123", downloader.lastMXC.FileID)
}

func TestMediaDownloadForwardsContentToken(t *testing.T) {
	fetcher := &fakeFetcher{events: map[id.EventID]*api.Event{
		"$media": mediaEvent(t, "$media", map[string]interface{}{
			"url":           "mxc://example.org/abc123",
			"content_token": "secret-token",
		}),
	}}
	downloader := &fakeDownloader{body: "x"}
	proxy := newProxy(t, fetcher, downloader, 3600)

	mediaURL, err := proxy.GenerateMediaURL("!room:example.org", "$media", "abc123")
	require.NoError(t, err)
	rec := serveURL(t, proxy, mediaURL)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "secret-token", downloader.lastToken)
}

func TestMediaTokenExpiry(t *testing.T) {
	fetcher := &fakeFetcher{events: map[id.EventID]*api.Event{
		"$media": mediaEvent(t, "$media", map[string]interface{}{
			"url": "mxc://example.org/abc123",
		}),
	}}
	proxy := newProxy(t, fetcher, &fakeDownloader{body: "x"}, 60)

	issued := time.Now()
	proxy.now = func() time.Time { return issued }
	mediaURL, err := proxy.GenerateMediaURL("!room:example.org", "$media", "abc123")
	require.NoError(t, err)

	// Still valid just before the TTL.
	proxy.now = func() time.Time { return issued.Add(59 * time.Second) }
	assert.Equal(t, http.StatusOK, serveURL(t, proxy, mediaURL).Code)

	// Expired after it.
	proxy.now = func() time.Time { return issued.Add(61 * time.Second) }
	assert.Equal(t, http.StatusNotFound, serveURL(t, proxy, mediaURL).Code)
}

func TestMediaTokenZeroTTLNeverExpires(t *testing.T) {
	fetcher := &fakeFetcher{events: map[id.EventID]*api.Event{
		"$media": mediaEvent(t, "$media", map[string]interface{}{
			"url": "mxc://example.org/abc123",
		}),
	}}
	proxy := newProxy(t, fetcher, &fakeDownloader{body: "x"}, 0)

	mediaURL, err := proxy.GenerateMediaURL("!room:example.org", "$media", "abc123")
	require.NoError(t, err)
	proxy.now = func() time.Time { return time.Now().AddDate(1, 0, 0) }
	assert.Equal(t, http.StatusOK, serveURL(t, proxy, mediaURL).Code)
}

func TestMediaTokenTamperingFails(t *testing.T) {
	fetcher := &fakeFetcher{events: map[id.EventID]*api.Event{
		"$media": mediaEvent(t, "$media", map[string]interface{}{
			"url": "mxc://example.org/abc123",
		}),
	}}
	proxy := newProxy(t, fetcher, &fakeDownloader{body: "x"}, 3600)

	mediaURL, err := proxy.GenerateMediaURL("!room:example.org", "$media", "abc123")
	require.NoError(t, err)

	// Flip one character of the token.
	tampered := []byte(mediaURL)
	last := len(tampered) - 1
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}
	rec := serveURL(t, proxy, string(tampered))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMediaTokenGarbageFails(t *testing.T) {
	proxy := newProxy(t, &fakeFetcher{}, &fakeDownloader{}, 3600)
	rec := serveURL(t, proxy, "https://media.example.org/v1/media/download/not-a-token")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMediaEventWithoutMedia(t *testing.T) {
	fetcher := &fakeFetcher{events: map[id.EventID]*api.Event{
		"$text": mediaEvent(t, "$text", map[string]interface{}{
			"body": "no media here",
		}),
	}}
	proxy := newProxy(t, fetcher, &fakeDownloader{}, 3600)

	mediaURL, err := proxy.GenerateMediaURL("!room:example.org", "$text", "none")
	require.NoError(t, err)
	rec := serveURL(t, proxy, mediaURL)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMediaEventNotFound(t *testing.T) {
	proxy := newProxy(t, &fakeFetcher{}, &fakeDownloader{}, 3600)
	mediaURL, err := proxy.GenerateMediaURL("!room:example.org", "$gone", "none")
	require.NoError(t, err)
	rec := serveURL(t, proxy, mediaURL)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
