// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package bansync evaluates policy-rule rooms and probes foreign
// homeservers for open registration to decide whether a user is
// admitted to the bridge.
package bansync

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/internal/netutil"
	iutil "github.com/element-hq/matrix-appservice-bridge/internal/util"
	"github.com/element-hq/matrix-appservice-bridge/setup/config"
)

// RuleKind says what a policy rule's glob matches against.
type RuleKind string

const (
	RuleKindUser   RuleKind = "user"
	RuleKindServer RuleKind = "server"
)

// Accepted policy event types, current and historical.
var policyRuleTypes = map[string]RuleKind{
	"m.policy.rule.user":             RuleKindUser,
	"m.policy.rule.server":           RuleKindServer,
	"org.matrix.mjolnir.rule.user":   RuleKindUser,
	"org.matrix.mjolnir.rule.server": RuleKindServer,
}

// PolicyRuleKind reports whether an event type is a policy rule, and
// what its glob matches against.
func PolicyRuleKind(eventType string) (RuleKind, bool) {
	kind, ok := policyRuleTypes[eventType]
	return kind, ok
}

var banRecommendations = map[string]struct{}{
	"m.ban":                  {},
	"org.matrix.mjolnir.ban": {},
}

// Rule is one compiled ban rule.
type Rule struct {
	Kind    RuleKind
	Entity  string
	Reason  string
	matcher *regexp.Regexp
}

type ruleKey struct {
	roomID   id.RoomID
	stateKey string
}

// RegistrationStatus classifies a homeserver's registration posture.
type RegistrationStatus int

const (
	RegistrationUnknown RegistrationStatus = iota
	RegistrationClosed
	RegistrationOpen
	RegistrationProtectedEmail
	RegistrationProtectedCaptcha
)

func (s RegistrationStatus) String() string {
	switch s {
	case RegistrationClosed:
		return "closed"
	case RegistrationOpen:
		return "open"
	case RegistrationProtectedEmail:
		return "protected_email"
	case RegistrationProtectedCaptcha:
		return "protected_captcha"
	default:
		return "unknown"
	}
}

// Outcome is the admission decision for a user.
type Outcome struct {
	Banned bool
	Reason string
}

// PolicyRoomJoiner is the slice of the bot Intent the syncer needs.
type PolicyRoomJoiner interface {
	Join(ctx context.Context, roomIDOrAlias string, via ...string) (id.RoomID, error)
	RoomState(ctx context.Context, roomID id.RoomID, useCache bool) ([]api.Event, error)
}

const (
	classificationTTL    = 30 * time.Minute
	classificationJitter = 60 * time.Second
)

// BanSync ingests rules from policy rooms and answers admission queries.
type BanSync struct {
	cfg    config.BanSync
	joiner PolicyRoomJoiner
	log    *logrus.Entry

	mu    sync.RWMutex
	rules map[ruleKey]*Rule

	// classifications caches registration probes per host.
	classifications *gocache.Cache
	probeClient     *http.Client
	probeLimiter    *rate.Limiter
	// probeBase is swapped in tests to point at a fake homeserver.
	probeBase func(host string) string
}

func New(cfg config.BanSync, joiner PolicyRoomJoiner, log *logrus.Entry) *BanSync {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BanSync{
		cfg:             cfg,
		joiner:          joiner,
		log:             log.WithField("component", "ban_sync"),
		rules:           make(map[ruleKey]*Rule),
		classifications: gocache.New(classificationTTL, 10*time.Minute),
		// Probes reach arbitrary user-controlled hosts, so keep them off
		// internal networks.
		probeClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: netutil.RestrictedDialer(
					netutil.PublicInternet, netutil.PrivateRanges, 5*time.Second,
				).DialContext,
			},
		},
		probeLimiter:    rate.NewLimiter(rate.Every(time.Second), 5),
		probeBase: func(host string) string {
			return "https://" + host
		},
	}
}

// SyncRooms joins every configured policy room and ingests its full
// state. Called on config load and reload.
func (b *BanSync) SyncRooms(ctx context.Context) error {
	for _, room := range b.cfg.Rooms {
		roomID, err := b.joiner.Join(ctx, room)
		if err != nil {
			return fmt.Errorf("failed to join policy room %q: %w", room, err)
		}
		state, err := b.joiner.RoomState(ctx, roomID, false)
		if err != nil {
			return fmt.Errorf("failed to read policy room %q state: %w", room, err)
		}
		for n := range state {
			if err := b.HandleIncomingState(&state[n]); err != nil {
				b.log.WithError(err).WithFields(logrus.Fields{
					"room_id":  roomID,
					"event_id": state[n].ID,
				}).Warn("Skipping bad policy rule")
			}
		}
	}
	return nil
}

// HandleIncomingState ingests one (possibly live) policy event. Non-rule
// events are ignored without error. An event with no entity deletes the
// rule at (room, state key); an empty-string entity is a hard error.
func (b *BanSync) HandleIncomingState(ev *api.Event) error {
	kind, ok := policyRuleTypes[ev.Type]
	if !ok || ev.StateKey == nil {
		return nil
	}
	key := ruleKey{roomID: ev.RoomID, stateKey: *ev.StateKey}

	entity := ev.ContentField("entity")
	if !entity.Exists() {
		b.mu.Lock()
		delete(b.rules, key)
		b.mu.Unlock()
		return nil
	}
	if entity.String() == "" {
		return api.NewError(api.KindBadValue, "policy rule %s has an empty entity", ev.ID)
	}
	recommendation := ev.ContentField("recommendation").String()
	if _, banned := banRecommendations[recommendation]; !banned {
		return nil
	}
	matcher, err := compileGlob(entity.String())
	if err != nil {
		return api.WrapError(api.KindBadValue, err, "policy rule glob does not compile")
	}
	b.mu.Lock()
	b.rules[key] = &Rule{
		Kind:    kind,
		Entity:  entity.String(),
		Reason:  ev.ContentField("reason").String(),
		matcher: matcher,
	}
	b.mu.Unlock()
	return nil
}

// compileGlob translates a Matrix policy glob into an anchored regexp:
// '*' matches any run, '?' one character, everything else literally.
func compileGlob(glob string) (*regexp.Regexp, error) {
	var pattern strings.Builder
	pattern.WriteString("^")
	for _, c := range glob {
		switch c {
		case '*':
			pattern.WriteString(".*")
		case '?':
			pattern.WriteString(".")
		default:
			pattern.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	pattern.WriteString("$")
	return regexp.Compile(pattern.String())
}

// IsUserBanned evaluates the ruleset for the user, then falls back to
// the open-registration probe when configured.
func (b *BanSync) IsUserBanned(ctx context.Context, userID id.UserID) Outcome {
	_, host, err := userID.Parse()
	if err != nil {
		return Outcome{Banned: true, Reason: "malformed user ID"}
	}
	b.mu.RLock()
	for _, rule := range b.rules {
		subject := string(userID)
		if rule.Kind == RuleKindServer {
			subject = host
		}
		if rule.matcher.MatchString(subject) {
			b.mu.RUnlock()
			return Outcome{Banned: true, Reason: rule.Reason}
		}
	}
	b.mu.RUnlock()

	if !b.cfg.BlockOpenRegistration {
		return Outcome{}
	}
	status := b.classifyHost(ctx, host)
	switch {
	case status == RegistrationOpen:
		return Outcome{Banned: true, Reason: fmt.Sprintf("homeserver %s has open registration", host)}
	case status == RegistrationUnknown && !b.cfg.AllowUnknown:
		return Outcome{Banned: true, Reason: fmt.Sprintf("registration posture of %s could not be determined", host)}
	}
	return Outcome{}
}

// classifyHost probes the host's /register endpoint, caching the result
// for around half an hour with jitter so a fleet of bridges does not
// re-probe in lockstep.
func (b *BanSync) classifyHost(ctx context.Context, host string) RegistrationStatus {
	host = string(iutil.NormalizeServerName(spec.ServerName(host)))
	if cached, ok := b.classifications.Get(host); ok {
		return cached.(RegistrationStatus)
	}
	status := b.probeHost(ctx, host)
	jitter := time.Duration(rand.Int63n(int64(2*classificationJitter))) - classificationJitter
	b.classifications.Set(host, status, classificationTTL+jitter)
	return status
}

func (b *BanSync) probeHost(ctx context.Context, host string) RegistrationStatus {
	if err := b.probeLimiter.Wait(ctx); err != nil {
		return RegistrationUnknown
	}
	target := b.probeBase(host) + "/_matrix/client/v3/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader("{}"))
	if err != nil {
		return RegistrationUnknown
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := b.probeClient.Do(req)
	if err != nil {
		b.log.WithError(err).WithField("host", host).Debug("Registration probe failed")
		return RegistrationUnknown
	}
	defer res.Body.Close() // nolint: errcheck
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	return classifyProbeResponse(res.StatusCode, body)
}

// classifyProbeResponse applies the classification table to a /register
// probe reply.
func classifyProbeResponse(status int, body []byte) RegistrationStatus {
	switch status {
	case http.StatusForbidden:
		if gjson.GetBytes(body, "errcode").String() == "M_FORBIDDEN" {
			return RegistrationClosed
		}
		return RegistrationUnknown
	case http.StatusNotFound:
		return RegistrationClosed
	case http.StatusUnauthorized:
		flows := gjson.GetBytes(body, "flows")
		if !flows.Exists() {
			return RegistrationUnknown
		}
		if flows.IsArray() && len(flows.Array()) == 0 {
			return RegistrationClosed
		}
		sawEmail := false
		sawCaptcha := false
		for _, flow := range flows.Array() {
			hasCaptcha := false
			hasEmail := false
			for _, stage := range flow.Get("stages").Array() {
				switch stage.String() {
				case "m.login.recaptcha":
					hasCaptcha = true
				case "m.login.email.identity":
					hasEmail = true
				}
			}
			if !hasCaptcha && !hasEmail {
				return RegistrationOpen
			}
			sawEmail = sawEmail || hasEmail
			sawCaptcha = sawCaptcha || hasCaptcha
		}
		if sawEmail && !sawCaptcha {
			return RegistrationProtectedEmail
		}
		return RegistrationProtectedCaptcha
	}
	return RegistrationUnknown
}
