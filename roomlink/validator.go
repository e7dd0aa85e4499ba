// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package roomlink validates whether a room may be linked to a foreign
// channel by applying a hot-reloadable allow/deny ruleset over the
// room's joined members.
package roomlink

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/setup/config"
)

// Status is the outcome of a validation.
type Status int

const (
	// Passed means no conflicting member was found.
	Passed Status = iota
	// ErrorUserConflict means a member matched a conflict rule.
	ErrorUserConflict
	// ErrorCached means a previous conflict is still cached.
	ErrorCached
)

func (s Status) String() string {
	switch s {
	case Passed:
		return "PASSED"
	case ErrorUserConflict:
		return "ERROR_USER_CONFLICT"
	case ErrorCached:
		return "ERROR_CACHED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// conflictCacheTTL is how long a room stays denied after a conflict.
const conflictCacheTTL = 30 * time.Minute

// MemberLister is the slice of the bot Intent the validator needs.
type MemberLister interface {
	JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]api.MemberProfile, error)
}

// Validator applies the ruleset. Rule updates swap the compiled regex
// lists; the conflict cache is deliberately left intact so a previously
// failed room stays denied until its entry expires or a higher layer
// clears it.
type Validator struct {
	lister MemberLister
	log    *logrus.Entry

	mu       sync.RWMutex
	exempt   []*regexp.Regexp
	conflict []*regexp.Regexp

	conflicts *gocache.Cache
}

func New(rules config.RoomLinkRules, lister MemberLister, log *logrus.Entry) (*Validator, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	v := &Validator{
		lister:    lister,
		log:       log.WithField("component", "room_link_validator"),
		conflicts: gocache.New(conflictCacheTTL, 10*time.Minute),
	}
	if err := v.UpdateRules(rules); err != nil {
		return nil, err
	}
	return v, nil
}

// UpdateRules replaces the compiled ruleset, for SIGHUP config reloads.
func (v *Validator) UpdateRules(rules config.RoomLinkRules) error {
	exempt, err := compileAll(rules.UserIDs.Exempt)
	if err != nil {
		return fmt.Errorf("bad exempt rule: %w", err)
	}
	conflict, err := compileAll(rules.UserIDs.Conflict)
	if err != nil {
		return fmt.Errorf("bad conflict rule: %w", err)
	}
	v.mu.Lock()
	v.exempt = exempt
	v.conflict = conflict
	v.mu.Unlock()
	return nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// ClearConflictCache forgets a cached denial, for callers that know the
// conflicting member has left.
func (v *Validator) ClearConflictCache(roomID id.RoomID) {
	v.conflicts.Delete(string(roomID))
}

// ValidateRoom checks the room's joined members against the ruleset.
func (v *Validator) ValidateRoom(ctx context.Context, roomID id.RoomID) (Status, error) {
	if _, denied := v.conflicts.Get(string(roomID)); denied {
		return ErrorCached, nil
	}
	members, err := v.lister.JoinedMembers(ctx, roomID)
	if err != nil {
		return ErrorUserConflict, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
members:
	for userID := range members {
		for _, re := range v.exempt {
			if re.MatchString(string(userID)) {
				continue members
			}
		}
		for _, re := range v.conflict {
			if re.MatchString(string(userID)) {
				v.log.WithFields(logrus.Fields{
					"room_id": roomID,
					"user_id": userID,
				}).Info("Room link denied: conflicting member")
				v.conflicts.Set(string(roomID), time.Now(), conflictCacheTTL)
				return ErrorUserConflict, nil
			}
		}
	}
	return Passed, nil
}
