// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package client implements api.ClientServerAPI over the raw Matrix
// client-server HTTP API, authenticating every call with the
// application-service token and impersonating virtual users via the
// user_id query parameter.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrix"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
)

const (
	prefixClient = "/_matrix/client/v3"
	prefixMedia  = "/_matrix/media/v3"
	prefixAdmin  = "/_synapse/admin/v1"

	// DefaultTimeout bounds every outbound call unless the context is
	// tighter.
	DefaultTimeout = 2 * time.Minute

	loginTypeAppService = "uk.half-shot.msc2778.login.application_service"
)

// Config carries everything needed to talk to one homeserver.
type Config struct {
	// HomeserverURL is the base URL, e.g. "https://matrix.example.org".
	HomeserverURL string
	// SyncProxyURL overrides the base URL for /sync, pointing at a
	// decrypting proxy. Empty means HomeserverURL.
	SyncProxyURL string
	ASToken      string
	BotUserID    id.UserID
	Timeout      time.Duration
	// RoundTripper replaces the default transport, letting callers stack
	// logging or retry middleware around every request.
	RoundTripper http.RoundTripper
	Logger       *logrus.Entry
}

// Client is the production ClientServerAPI.
type Client struct {
	cfg    Config
	http   *http.Client
	log    *logrus.Entry

	adminOnce sync.Once
	hasAdmin  bool
}

var _ api.ClientServerAPI = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	transport := cfg.RoundTripper
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		log: log.WithField("component", "client"),
	}
}

// buildURL joins the base with an API prefix and already-escaped path
// segments.
func (c *Client) buildURL(base, prefix string, segments ...string) string {
	u := base + prefix
	for _, seg := range segments {
		u += "/" + url.PathEscape(seg)
	}
	return u
}

// do performs a JSON request. asUser selects the impersonated user; the
// zero value (or the bot's own ID) sends no user_id parameter.
func (c *Client) do(ctx context.Context, method, rawURL string, query url.Values, asUser id.UserID, body, out interface{}) error {
	if asUser != "" && asUser != c.cfg.BotUserID {
		if query == nil {
			query = url.Values{}
		}
		query.Set("user_id", string(asUser))
	}
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return api.WrapError(api.KindBadValue, err, "failed to encode request body")
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return api.WrapError(api.KindInternal, err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.ASToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out interface{}) error {
	res, err := c.http.Do(req)
	if err != nil {
		return api.Classify(err)
	}
	defer res.Body.Close() // nolint: errcheck
	contents, err := io.ReadAll(res.Body)
	if err != nil {
		return api.WrapError(api.KindInternal, err, "failed to read response body")
	}
	if res.StatusCode/100 != 2 {
		var respErr gomatrix.RespError
		if json.Unmarshal(contents, &respErr) != nil || respErr.ErrCode == "" {
			respErr = gomatrix.RespError{Err: string(contents)}
		}
		return api.Classify(gomatrix.HTTPError{
			Code:         res.StatusCode,
			Message:      fmt.Sprintf("%s %s: %d", req.Method, req.URL.Path, res.StatusCode),
			WrappedError: respErr,
			Contents:     contents,
		})
	}
	if out != nil && len(contents) > 0 {
		if err := json.Unmarshal(contents, out); err != nil {
			return api.WrapError(api.KindBadValue, err, "failed to decode response body")
		}
	}
	return nil
}

func (c *Client) csURL(segments ...string) string {
	return c.buildURL(c.cfg.HomeserverURL, prefixClient, segments...)
}

// RegisterUser performs an application-service register, never logging
// the resulting device in.
func (c *Client) RegisterUser(ctx context.Context, localpart string) error {
	body := map[string]interface{}{
		"type":          "m.login.application_service",
		"username":      localpart,
		"inhibit_login": true,
	}
	return c.do(ctx, http.MethodPost, c.csURL("register"), nil, "", body, nil)
}

func (c *Client) AppserviceLogin(ctx context.Context, userID id.UserID) (string, error) {
	body := map[string]interface{}{
		"type": loginTypeAppService,
		"identifier": map[string]interface{}{
			"type": "m.id.user",
			"user": string(userID),
		},
	}
	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, c.csURL("login"), nil, "", body, &res); err != nil {
		return "", err
	}
	return res.AccessToken, nil
}

func (c *Client) JoinRoom(ctx context.Context, asUser id.UserID, roomIDOrAlias string, via []string) (id.RoomID, error) {
	query := url.Values{}
	for _, server := range via {
		query.Add("server_name", server)
	}
	var res struct {
		RoomID id.RoomID `json:"room_id"`
	}
	err := c.do(ctx, http.MethodPost, c.csURL("join", roomIDOrAlias), query, asUser, struct{}{}, &res)
	return res.RoomID, err
}

func (c *Client) LeaveRoom(ctx context.Context, asUser id.UserID, roomID id.RoomID) error {
	return c.do(ctx, http.MethodPost, c.csURL("rooms", string(roomID), "leave"), nil, asUser, struct{}{}, nil)
}

func (c *Client) membershipOp(ctx context.Context, asUser id.UserID, roomID id.RoomID, op string, target id.UserID, reason string) error {
	body := map[string]interface{}{"user_id": string(target)}
	if reason != "" {
		body["reason"] = reason
	}
	return c.do(ctx, http.MethodPost, c.csURL("rooms", string(roomID), op), nil, asUser, body, nil)
}

func (c *Client) InviteUser(ctx context.Context, asUser id.UserID, roomID id.RoomID, target id.UserID) error {
	return c.membershipOp(ctx, asUser, roomID, "invite", target, "")
}

func (c *Client) KickUser(ctx context.Context, asUser id.UserID, roomID id.RoomID, target id.UserID, reason string) error {
	return c.membershipOp(ctx, asUser, roomID, "kick", target, reason)
}

func (c *Client) BanUser(ctx context.Context, asUser id.UserID, roomID id.RoomID, target id.UserID, reason string) error {
	return c.membershipOp(ctx, asUser, roomID, "ban", target, reason)
}

func (c *Client) UnbanUser(ctx context.Context, asUser id.UserID, roomID id.RoomID, target id.UserID) error {
	return c.membershipOp(ctx, asUser, roomID, "unban", target, "")
}

func (c *Client) JoinedMembers(ctx context.Context, asUser id.UserID, roomID id.RoomID) (map[id.UserID]api.MemberProfile, error) {
	var res struct {
		Joined map[id.UserID]struct {
			DisplayName string `json:"display_name"`
			AvatarURL   string `json:"avatar_url"`
		} `json:"joined"`
	}
	err := c.do(ctx, http.MethodGet, c.csURL("rooms", string(roomID), "joined_members"), nil, asUser, nil, &res)
	if err != nil {
		return nil, err
	}
	members := make(map[id.UserID]api.MemberProfile, len(res.Joined))
	for userID, profile := range res.Joined {
		members[userID] = api.MemberProfile{
			Displayname: profile.DisplayName,
			AvatarURL:   profile.AvatarURL,
		}
	}
	return members, nil
}

func (c *Client) CreateRoom(ctx context.Context, asUser id.UserID, req *api.CreateRoomRequest) (id.RoomID, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return "", api.WrapError(api.KindBadValue, err, "failed to encode createRoom options")
	}
	body := map[string]interface{}{}
	if err = json.Unmarshal(encoded, &body); err != nil {
		return "", api.WrapError(api.KindBadValue, err, "failed to merge createRoom options")
	}
	for k, v := range req.Extra {
		body[k] = v
	}
	var res struct {
		RoomID id.RoomID `json:"room_id"`
	}
	err = c.do(ctx, http.MethodPost, c.csURL("createRoom"), nil, asUser, body, &res)
	return res.RoomID, err
}

func (c *Client) ResolveAlias(ctx context.Context, alias string) (id.RoomID, []string, error) {
	var res struct {
		RoomID  id.RoomID `json:"room_id"`
		Servers []string  `json:"servers"`
	}
	err := c.do(ctx, http.MethodGet, c.csURL("directory", "room", alias), nil, "", nil, &res)
	return res.RoomID, res.Servers, err
}

func (c *Client) CreateAlias(ctx context.Context, asUser id.UserID, alias string, roomID id.RoomID) error {
	body := map[string]interface{}{"room_id": string(roomID)}
	return c.do(ctx, http.MethodPut, c.csURL("directory", "room", alias), nil, asUser, body, nil)
}

func (c *Client) SetRoomDirectoryVisibility(ctx context.Context, asUser id.UserID, roomID id.RoomID, network, visibility string) error {
	var target string
	if network == "" {
		target = c.csURL("directory", "list", "room", string(roomID))
	} else {
		target = c.csURL("directory", "list", "appservice", network, string(roomID))
	}
	body := map[string]interface{}{"visibility": visibility}
	return c.do(ctx, http.MethodPut, target, nil, asUser, body, nil)
}

func (c *Client) SendMessageEvent(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventType string, content interface{}) (id.EventID, error) {
	txnID := "go" + uuid.NewString()
	var res struct {
		EventID id.EventID `json:"event_id"`
	}
	err := c.do(ctx, http.MethodPut, c.csURL("rooms", string(roomID), "send", eventType, txnID), nil, asUser, content, &res)
	return res.EventID, err
}

// SendMassagedMessageEvent sends an event with a server-massaged origin
// timestamp. Homeservers only honour ts for application services.
func (c *Client) SendMassagedMessageEvent(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventType string, content interface{}, ts time.Time) (id.EventID, error) {
	txnID := "go" + uuid.NewString()
	query := url.Values{}
	query.Set("ts", strconv.FormatInt(ts.UnixMilli(), 10))
	var res struct {
		EventID id.EventID `json:"event_id"`
	}
	err := c.do(ctx, http.MethodPut, c.csURL("rooms", string(roomID), "send", eventType, txnID), query, asUser, content, &res)
	return res.EventID, err
}

func (c *Client) SendStateEvent(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventType, stateKey string, content interface{}) (id.EventID, error) {
	var res struct {
		EventID id.EventID `json:"event_id"`
	}
	err := c.do(ctx, http.MethodPut, c.csURL("rooms", string(roomID), "state", eventType, stateKey), nil, asUser, content, &res)
	return res.EventID, err
}

func (c *Client) StateEvent(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventType, stateKey string) (json.RawMessage, error) {
	var content json.RawMessage
	err := c.do(ctx, http.MethodGet, c.csURL("rooms", string(roomID), "state", eventType, stateKey), nil, asUser, nil, &content)
	return content, err
}

func (c *Client) RoomState(ctx context.Context, asUser id.UserID, roomID id.RoomID) ([]api.Event, error) {
	var events []api.Event
	err := c.do(ctx, http.MethodGet, c.csURL("rooms", string(roomID), "state"), nil, asUser, nil, &events)
	return events, err
}

func (c *Client) Event(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventID id.EventID) (*api.Event, error) {
	var ev api.Event
	err := c.do(ctx, http.MethodGet, c.csURL("rooms", string(roomID), "event", string(eventID)), nil, asUser, nil, &ev)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (c *Client) Profile(ctx context.Context, asUser, target id.UserID) (*api.MemberProfile, error) {
	var res struct {
		Displayname string `json:"displayname"`
		AvatarURL   string `json:"avatar_url"`
	}
	err := c.do(ctx, http.MethodGet, c.csURL("profile", string(target)), nil, asUser, nil, &res)
	if err != nil {
		return nil, err
	}
	return &api.MemberProfile{Displayname: res.Displayname, AvatarURL: res.AvatarURL}, nil
}

func (c *Client) SetDisplayName(ctx context.Context, asUser id.UserID, displayName string) error {
	target := asUser
	if target == "" {
		target = c.cfg.BotUserID
	}
	body := map[string]interface{}{"displayname": displayName}
	return c.do(ctx, http.MethodPut, c.csURL("profile", string(target), "displayname"), nil, asUser, body, nil)
}

func (c *Client) SetAvatarURL(ctx context.Context, asUser id.UserID, avatarURL string) error {
	target := asUser
	if target == "" {
		target = c.cfg.BotUserID
	}
	body := map[string]interface{}{"avatar_url": avatarURL}
	return c.do(ctx, http.MethodPut, c.csURL("profile", string(target), "avatar_url"), nil, asUser, body, nil)
}

func (c *Client) Presence(ctx context.Context, asUser, target id.UserID) (*api.PresenceStatus, error) {
	var res api.PresenceStatus
	err := c.do(ctx, http.MethodGet, c.csURL("presence", string(target), "status"), nil, asUser, nil, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) SetPresence(ctx context.Context, asUser id.UserID, presence, statusMsg string) error {
	target := asUser
	if target == "" {
		target = c.cfg.BotUserID
	}
	body := map[string]interface{}{"presence": presence}
	if statusMsg != "" {
		body["status_msg"] = statusMsg
	}
	return c.do(ctx, http.MethodPut, c.csURL("presence", string(target), "status"), nil, asUser, body, nil)
}

func (c *Client) SendTyping(ctx context.Context, asUser id.UserID, roomID id.RoomID, typing bool, timeout time.Duration) error {
	target := asUser
	if target == "" {
		target = c.cfg.BotUserID
	}
	body := map[string]interface{}{"typing": typing}
	if typing {
		body["timeout"] = timeout.Milliseconds()
	}
	return c.do(ctx, http.MethodPut, c.csURL("rooms", string(roomID), "typing", string(target)), nil, asUser, body, nil)
}

func (c *Client) SendReadReceipt(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventID id.EventID) error {
	body := map[string]interface{}{
		"m.fully_read": string(eventID),
		"m.read":       string(eventID),
	}
	return c.do(ctx, http.MethodPost, c.csURL("rooms", string(roomID), "read_markers"), nil, asUser, body, nil)
}

func (c *Client) UploadContent(ctx context.Context, asUser id.UserID, data []byte, filename, contentType string) (id.ContentURI, error) {
	query := url.Values{}
	if filename != "" {
		query.Set("filename", filename)
	}
	if asUser != "" && asUser != c.cfg.BotUserID {
		query.Set("user_id", string(asUser))
	}
	rawURL := c.buildURL(c.cfg.HomeserverURL, prefixMedia, "upload")
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return id.ContentURI{}, api.WrapError(api.KindInternal, err, "failed to build upload request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.ASToken)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))
	var res struct {
		ContentURI string `json:"content_uri"`
	}
	if err = c.roundTrip(req, &res); err != nil {
		return id.ContentURI{}, err
	}
	mxc, err := id.ParseContentURI(res.ContentURI)
	if err != nil {
		return id.ContentURI{}, api.WrapError(api.KindBadValue, err, "homeserver returned unparseable content_uri")
	}
	return mxc, nil
}

func (c *Client) DownloadMedia(ctx context.Context, mxc id.ContentURI, contentToken string) (*http.Response, error) {
	rawURL := c.buildURL(c.cfg.HomeserverURL, prefixMedia, "download", mxc.Homeserver, mxc.FileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, api.WrapError(api.KindInternal, err, "failed to build download request")
	}
	if contentToken != "" {
		// MSC3910 authenticated media.
		req.Header.Set("Authorization", "Bearer "+contentToken)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.cfg.ASToken)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, api.Classify(err)
	}
	if res.StatusCode/100 != 2 {
		contents, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		res.Body.Close() // nolint: errcheck
		var respErr gomatrix.RespError
		if json.Unmarshal(contents, &respErr) != nil || respErr.ErrCode == "" {
			respErr = gomatrix.RespError{Err: string(contents)}
		}
		return nil, api.Classify(gomatrix.HTTPError{
			Code:         res.StatusCode,
			Message:      fmt.Sprintf("media download failed: %d", res.StatusCode),
			WrappedError: respErr,
			Contents:     contents,
		})
	}
	return res, nil
}

func (c *Client) SyncOnce(ctx context.Context, accessToken, since, filterJSON string, timeout time.Duration) (*api.SyncResponse, error) {
	base := c.cfg.SyncProxyURL
	if base == "" {
		base = c.cfg.HomeserverURL
	}
	query := url.Values{}
	query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if since != "" {
		query.Set("since", since)
	}
	if filterJSON != "" {
		query.Set("filter", filterJSON)
	}
	rawURL := c.buildURL(base, prefixClient, "sync") + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, api.WrapError(api.KindInternal, err, "failed to build sync request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	var res api.SyncResponse
	if err = c.roundTrip(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Whois(ctx context.Context, target id.UserID) (*api.WhoisResponse, error) {
	rawURL := c.buildURL(c.cfg.HomeserverURL, prefixAdmin, "whois", string(target))
	var res api.WhoisResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, api.WrapError(api.KindInternal, err, "failed to build whois request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.ASToken)
	if err = c.roundTrip(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// HasAdminAPI probes the admin whois endpoint once with a deliberately
// malformed URL. Synapse answers such a probe with 200 or 400 when the
// token has admin rights; anything else means no admin access.
func (c *Client) HasAdminAPI(ctx context.Context) bool {
	c.adminOnce.Do(func() {
		rawURL := c.buildURL(c.cfg.HomeserverURL, prefixAdmin, "whois", "")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.ASToken)
		res, err := c.http.Do(req)
		if err != nil {
			return
		}
		defer res.Body.Close() // nolint: errcheck
		io.Copy(io.Discard, res.Body) // nolint: errcheck
		c.hasAdmin = res.StatusCode == http.StatusOK || res.StatusCode == http.StatusBadRequest
	})
	return c.hasAdmin
}
