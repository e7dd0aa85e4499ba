// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package mediaproxy serves authenticated media from bridged rooms to
// remote networks through signed, expiring URLs.
package mediaproxy

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/internal/httputil"
	"github.com/element-hq/matrix-appservice-bridge/setup/config"
)

// tokenPayload is the signed portion of a media URL. Field order is the
// canonical serialization the HMAC covers.
type tokenPayload struct {
	EndDt   int64      `json:"endDt,omitempty"`
	EventID id.EventID `json:"eventId"`
	MediaID string     `json:"mediaId"`
	RoomID  id.RoomID  `json:"roomId"`
}

// signedToken is the serialized token: the payload fields flat at the
// top level with the signature beside them.
type signedToken struct {
	tokenPayload
	Signature string `json:"signature"`
}

// EventFetcher is the slice of the bot Intent the proxy needs.
type EventFetcher interface {
	Event(ctx context.Context, roomID id.RoomID, eventID id.EventID, useCache bool) (*api.Event, error)
}

// MediaDownloader streams media from the homeserver.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, mxc id.ContentURI, contentToken string) (*http.Response, error)
}

// MediaProxy signs media URLs and serves the corresponding downloads.
type MediaProxy struct {
	cfg        config.MediaProxy
	signingKey []byte
	publicURL  *url.URL
	events     EventFetcher
	downloader MediaDownloader
	limits     *httputil.RateLimits
	log        *logrus.Entry
	now        func() time.Time
}

func New(cfg config.MediaProxy, events EventFetcher, downloader MediaDownloader, log *logrus.Entry) (*MediaProxy, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	key, err := os.ReadFile(cfg.SigningKeyPath)
	if err != nil {
		return nil, api.WrapError(api.KindBadValue, err, "failed to read media proxy signing key")
	}
	publicURL, err := url.Parse(cfg.PublicURL)
	if err != nil {
		return nil, api.WrapError(api.KindBadValue, err, "bad media proxy public URL")
	}
	return &MediaProxy{
		cfg:        cfg,
		signingKey: key,
		publicURL:  publicURL,
		events:     events,
		downloader: downloader,
		limits:     httputil.NewRateLimits(true, 20, 5*time.Second),
		log:        log.WithField("component", "media_proxy"),
		now:        time.Now,
	}, nil
}

func (p *MediaProxy) sign(payload tokenPayload) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, p.signingKey)
	mac.Write(encoded) // nolint: errcheck
	token, err := json.Marshal(signedToken{
		tokenPayload: payload,
		Signature:    base64.RawURLEncoding.EncodeToString(mac.Sum(nil)),
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(token), nil
}

func (p *MediaProxy) verify(encoded string) (*tokenPayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, api.WrapError(api.KindBadValue, err, "malformed media token")
	}
	var token signedToken
	if err = json.Unmarshal(raw, &token); err != nil {
		return nil, api.WrapError(api.KindBadValue, err, "malformed media token")
	}
	canonical, err := json.Marshal(token.tokenPayload)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha512.New, p.signingKey)
	mac.Write(canonical) // nolint: errcheck
	signature, err := base64.RawURLEncoding.DecodeString(token.Signature)
	if err != nil || !hmac.Equal(signature, mac.Sum(nil)) {
		return nil, api.NewError(api.KindBadValue, "media token signature mismatch")
	}
	if token.EndDt != 0 && token.EndDt < p.now().UnixMilli() {
		return nil, api.NewError(api.KindNotFound, "media token expired")
	}
	return &token.tokenPayload, nil
}

// GenerateMediaURL returns a public URL serving the media referenced by
// the event, expiring after the configured TTL.
func (p *MediaProxy) GenerateMediaURL(roomID id.RoomID, eventID id.EventID, mediaID string) (string, error) {
	payload := tokenPayload{
		EventID: eventID,
		MediaID: mediaID,
		RoomID:  roomID,
	}
	if p.cfg.TTLSeconds > 0 {
		payload.EndDt = p.now().Add(time.Duration(p.cfg.TTLSeconds) * time.Second).UnixMilli()
	}
	token, err := p.sign(payload)
	if err != nil {
		return "", err
	}
	return p.publicURL.JoinPath("v1", "media", "download", token).String(), nil
}

// Routes attaches the proxy's endpoints to a router.
func (p *MediaProxy) Routes(router *mux.Router) {
	router.Handle("/health", httputil.HealthHandler()).Methods(http.MethodGet)
	router.HandleFunc("/v1/media/download/{token}", p.serveDownload).Methods(http.MethodGet)
}

// ListenAndServe runs the proxy on its configured bind address until
// ctx is done.
func (p *MediaProxy) ListenAndServe(ctx context.Context) error {
	router := mux.NewRouter()
	p.Routes(router)
	server := &http.Server{
		Addr:    p.cfg.BindAddress,
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx) // nolint: errcheck
	}()
	p.log.WithField("address", p.cfg.BindAddress).Info("Media proxy listening")
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (p *MediaProxy) serveDownload(w http.ResponseWriter, req *http.Request) {
	if res := p.limits.Limit("media_download", req); res != nil {
		writeJSON(w, *res)
		return
	}
	payload, err := p.verify(mux.Vars(req)["token"])
	if err != nil {
		writeJSON(w, httputil.ErrorResponse(err))
		return
	}
	ev, err := p.events.Event(req.Context(), payload.RoomID, payload.EventID, true)
	if err != nil {
		writeJSON(w, httputil.ErrorResponse(err))
		return
	}
	mxcRaw := ev.ContentField("url").String()
	if mxcRaw == "" {
		writeJSON(w, httputil.ErrorResponse(api.NewError(api.KindNotFound, "event has no media")))
		return
	}
	mxc, err := id.ParseContentURI(mxcRaw)
	if err != nil {
		writeJSON(w, httputil.ErrorResponse(api.WrapError(api.KindBadValue, err, "event has a malformed mxc URL")))
		return
	}
	contentToken := ev.ContentField("content_token").String()
	upstream, err := p.downloader.DownloadMedia(req.Context(), mxc, contentToken)
	if err != nil {
		writeJSON(w, httputil.ErrorResponse(err))
		return
	}
	defer upstream.Body.Close() // nolint: errcheck
	for _, header := range []string{"Content-Disposition", "Content-Type", "Content-Length"} {
		if value := upstream.Header.Get(header); value != "" {
			w.Header().Set(header, value)
		}
	}
	w.WriteHeader(upstream.StatusCode)
	if _, err = io.Copy(w, upstream.Body); err != nil {
		p.log.WithError(err).Debug("Media download stream interrupted")
	}
}

func writeJSON(w http.ResponseWriter, res util.JSONResponse) {
	body, err := json.Marshal(res.JSON)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	w.Write(body) // nolint: errcheck
}
