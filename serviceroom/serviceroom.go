// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package serviceroom posts idempotent, machine-readable service notices
// as state events into a designated room, squashing repeats and
// recording resolutions.
package serviceroom

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/matrix-appservice-bridge/api"
	"github.com/element-hq/matrix-appservice-bridge/setup/config"
)

// Severity grades a notice.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Notice is the state event content of one service notice.
type Notice struct {
	Message  string                 `json:"message,omitempty"`
	Severity Severity               `json:"severity,omitempty"`
	NoticeID string                 `json:"notice_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata"`
	Code     string                 `json:"code,omitempty"`
	Resolved bool                   `json:"resolved,omitempty"`
	// Text is the MSC1767 fallback rendering.
	Text string `json:"org.matrix.msc1767.text,omitempty"`
}

// NoticeSender is the slice of the bot Intent the room needs.
type NoticeSender interface {
	SendStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string, content interface{}) (id.EventID, error)
	StateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (json.RawMessage, error)
}

// ServiceRoom posts notices into one room.
type ServiceRoom struct {
	cfg    config.ServiceRoom
	sender NoticeSender
	log    *logrus.Entry

	mu             sync.Mutex
	lastNoticeTime map[string]time.Time
}

func New(cfg config.ServiceRoom, sender NoticeSender, log *logrus.Entry) *ServiceRoom {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ServiceRoom{
		cfg:            cfg,
		sender:         sender,
		log:            log.WithField("component", "service_room"),
		lastNoticeTime: make(map[string]time.Time),
	}
}

func (s *ServiceRoom) stateKey(noticeID string) string {
	return s.cfg.Prefix + "_" + noticeID
}

// SendServiceNotice posts or updates a notice. Repeated sends for the
// same notice ID inside the minimum update period are squashed.
func (s *ServiceRoom) SendServiceNotice(ctx context.Context, message string, severity Severity, noticeID, code string) error {
	minPeriod := time.Duration(s.cfg.MinimumUpdatePeriodMS) * time.Millisecond
	s.mu.Lock()
	if last, ok := s.lastNoticeTime[noticeID]; ok && time.Since(last) < minPeriod {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	notice := Notice{
		Message:  message,
		Severity: severity,
		NoticeID: noticeID,
		Metadata: map[string]interface{}{},
		Code:     code,
		Text:     message,
	}
	if _, err := s.sender.SendStateEvent(ctx, s.cfg.RoomID, api.EventTypeServiceNotice, s.stateKey(noticeID), &notice); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastNoticeTime[noticeID] = time.Now()
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{
		"notice_id": noticeID,
		"severity":  severity,
	}).Info("Posted service notice")
	return nil
}

// ClearServiceNotice marks a notice resolved unless the current state
// already says so. The throttle entry is dropped so a recurrence posts
// immediately.
func (s *ServiceRoom) ClearServiceNotice(ctx context.Context, noticeID string) error {
	current, err := s.GetServiceNotification(ctx, noticeID)
	if err != nil && !api.IsNotFound(err) {
		return err
	}
	if current != nil && current.Resolved {
		s.forget(noticeID)
		return nil
	}
	resolved := Notice{
		Resolved: true,
		Metadata: map[string]interface{}{},
	}
	if _, err := s.sender.SendStateEvent(ctx, s.cfg.RoomID, api.EventTypeServiceNotice, s.stateKey(noticeID), &resolved); err != nil {
		return err
	}
	s.forget(noticeID)
	s.log.WithField("notice_id", noticeID).Info("Resolved service notice")
	return nil
}

func (s *ServiceRoom) forget(noticeID string) {
	s.mu.Lock()
	delete(s.lastNoticeTime, noticeID)
	s.mu.Unlock()
}

// GetServiceNotification fetches the current state of a notice, nil when
// none was ever posted.
func (s *ServiceRoom) GetServiceNotification(ctx context.Context, noticeID string) (*Notice, error) {
	raw, err := s.sender.StateEvent(ctx, s.cfg.RoomID, api.EventTypeServiceNotice, s.stateKey(noticeID))
	if err != nil {
		return nil, err
	}
	var notice Notice
	if err = json.Unmarshal(raw, &notice); err != nil {
		return nil, api.WrapError(api.KindBadValue, err, "malformed service notice state")
	}
	return &notice, nil
}
