// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package config holds the bridge configuration, loaded from YAML in the
// same Defaults/Verify shape the rest of the element-hq Go projects use.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
	"maunium.net/go/mautrix/id"
)

// ConfigErrors collects problems found while verifying the config so
// they can all be reported at once.
type ConfigErrors []string

func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// checkNotEmpty verifies the given value is not empty in the config.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// Homeserver describes the homeserver the bridge serves.
type Homeserver struct {
	// URL is the base client-server API URL.
	URL string `yaml:"url"`
	// Domain is the server_name of user IDs on this homeserver.
	Domain string `yaml:"domain"`
	// SyncProxyURL points /sync at a decrypting proxy for encrypted
	// rooms. Empty disables decryption support.
	SyncProxyURL string `yaml:"sync_proxy_url"`
}

func (c *Homeserver) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "homeserver.url", c.URL)
	checkNotEmpty(configErrs, "homeserver.domain", c.Domain)
}

// AppService configures the inbound application-service listener.
// EventQueueType selects inbound dispatch ordering.
type EventQueueType string

const (
	EventQueueNone    EventQueueType = "none"
	EventQueueSingle  EventQueueType = "single"
	EventQueuePerRoom EventQueueType = "per_room"
)

type AppService struct {
	// BindAddress for the AS HTTP listener, e.g. ":9000".
	BindAddress string `yaml:"bind_address"`
	// RegistrationPath locates the AS registration YAML.
	RegistrationPath string `yaml:"registration_path"`
	EventQueueType   EventQueueType `yaml:"event_queue_type"`
	// SignalBridgeErrors posts de.nasnotfound.bridge_error events when a
	// handler rejects an inbound event.
	SignalBridgeErrors bool `yaml:"signal_bridge_errors"`
}

func (c *AppService) Defaults() {
	c.BindAddress = ":9000"
	c.EventQueueType = EventQueueSingle
}

func (c *AppService) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "appservice.bind_address", c.BindAddress)
	switch c.EventQueueType {
	case EventQueueNone, EventQueueSingle, EventQueuePerRoom:
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key \"appservice.event_queue_type\": %q", c.EventQueueType))
	}
}

// MembershipQueue tunes the sharded membership operation queue.
type MembershipQueue struct {
	ConcurrentRoomLimit int   `yaml:"concurrent_room_limit"`
	MaxAttempts         int   `yaml:"max_attempts"`
	ActionDelayMS       int64 `yaml:"action_delay_ms"`
	MaxActionDelayMS    int64 `yaml:"max_action_delay_ms"`
	DefaultTTLMS        int64 `yaml:"default_ttl_ms"`
}

func (c *MembershipQueue) Defaults() {
	c.ConcurrentRoomLimit = 8
	c.MaxAttempts = 10
	c.ActionDelayMS = 500
	c.MaxActionDelayMS = 30 * 60 * 1000
	c.DefaultTTLMS = 2 * 60 * 1000
}

func (c *MembershipQueue) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "membership_queue.concurrent_room_limit", int64(c.ConcurrentRoomLimit))
	checkPositive(configErrs, "membership_queue.max_attempts", int64(c.MaxAttempts))
	checkPositive(configErrs, "membership_queue.default_ttl_ms", c.DefaultTTLMS)
}

// StateLookup tunes the room state projection.
type StateLookup struct {
	Concurrency  int   `yaml:"concurrency"`
	RetryStateMS int64 `yaml:"retry_state_ms"`
}

func (c *StateLookup) Defaults() {
	c.Concurrency = 4
	c.RetryStateMS = 300
}

// Activity tunes presence resolution and RMAU accounting.
type Activity struct {
	PresenceEnabled   bool  `yaml:"presence_enabled"`
	DefaultOnline     bool  `yaml:"default_online"`
	MaxTimeMS         int64 `yaml:"max_time_ms"`
	MinUserActiveDays int   `yaml:"min_user_active_days"`
	InactiveAfterDays int   `yaml:"inactive_after_days"`
	DebounceMS        int64 `yaml:"debounce_ms"`
}

func (c *Activity) Defaults() {
	c.PresenceEnabled = true
	c.MaxTimeMS = 5 * 60 * 1000
	c.MinUserActiveDays = 3
	c.InactiveAfterDays = 31
	c.DebounceMS = 10 * 1000
}

// BanSync configures policy-room ingestion and the open-registration
// probe.
type BanSync struct {
	Rooms                 []string `yaml:"rooms"`
	BlockOpenRegistration bool     `yaml:"block_open_registration"`
	// AllowUnknown admits users whose homeserver's registration posture
	// could not be classified.
	AllowUnknown bool `yaml:"allow_unknown"`
}

// Blocker configures the user-count threshold watcher.
type Blocker struct {
	Enabled   bool `yaml:"enabled"`
	UserLimit int  `yaml:"user_limit"`
}

// MediaProxy configures signed media URL issuance.
type MediaProxy struct {
	// SigningKeyPath holds the raw HMAC key bytes.
	SigningKeyPath string `yaml:"signing_key_path"`
	// PublicURL is the externally reachable base of the proxy.
	PublicURL string `yaml:"public_url"`
	// BindAddress for the proxy listener.
	BindAddress string `yaml:"bind_address"`
	TTLSeconds  int64  `yaml:"ttl_seconds"`
}

func (c *MediaProxy) Defaults() {
	c.TTLSeconds = 3600
}

// ServiceRoom configures machine-readable service notices.
type ServiceRoom struct {
	RoomID id.RoomID `yaml:"room_id"`
	// Prefix distinguishes this bridge's notices in the state keys.
	Prefix                string `yaml:"prefix"`
	MinimumUpdatePeriodMS int64  `yaml:"minimum_update_period_ms"`
}

func (c *ServiceRoom) Defaults() {
	c.Prefix = "bridge"
	c.MinimumUpdatePeriodMS = 60 * 60 * 1000
}

// RoomLinkRules is the hot-reloadable allow/deny ruleset over joined
// members.
type RoomLinkRules struct {
	UserIDs struct {
		Exempt   []string `yaml:"exempt"`
		Conflict []string `yaml:"conflict"`
	} `yaml:"user_ids"`
}

// Database selects the default persistent stores.
type Database struct {
	// ConnectionString, e.g. "file:bridge.db" or "postgres://...".
	// The BRIDGE_TEST_PGURL environment variable overrides it in tests.
	ConnectionString string `yaml:"connection_string"`
}

func (c *Database) Defaults() {
	c.ConnectionString = "file:matrix-appservice-bridge.db"
}

// Sentry configures optional crash reporting.
type Sentry struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Logging configures the process-wide logrus level.
type Logging struct {
	Level string `yaml:"level"`
}

func (c *Logging) Defaults() {
	c.Level = "info"
}

// Bridge is the root configuration object.
type Bridge struct {
	Homeserver      Homeserver      `yaml:"homeserver"`
	AppService      AppService      `yaml:"appservice"`
	MembershipQueue MembershipQueue `yaml:"membership_queue"`
	StateLookup     StateLookup     `yaml:"state_lookup"`
	Activity        Activity        `yaml:"activity"`
	BanSync         BanSync         `yaml:"ban_sync"`
	Blocker         Blocker         `yaml:"blocker"`
	MediaProxy      MediaProxy      `yaml:"media_proxy"`
	ServiceRoom     ServiceRoom     `yaml:"service_room"`
	RoomLinks       RoomLinkRules   `yaml:"room_links"`
	Database        Database        `yaml:"database"`
	Sentry          Sentry          `yaml:"sentry"`
	Logging         Logging         `yaml:"logging"`
}

func (c *Bridge) Defaults() {
	c.AppService.Defaults()
	c.MembershipQueue.Defaults()
	c.StateLookup.Defaults()
	c.Activity.Defaults()
	c.MediaProxy.Defaults()
	c.ServiceRoom.Defaults()
	c.Database.Defaults()
	c.Logging.Defaults()
}

func (c *Bridge) Verify() error {
	configErrs := ConfigErrors{}
	c.Homeserver.Verify(&configErrs)
	c.AppService.Verify(&configErrs)
	c.MembershipQueue.Verify(&configErrs)
	if len(configErrs) > 0 {
		return fmt.Errorf("config verification failed: %v", []string(configErrs))
	}
	return nil
}

// Load reads, defaults and verifies a config file.
func Load(path string) (*Bridge, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Bridge{}
	cfg.Defaults()
	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err = cfg.Verify(); err != nil {
		return nil, err
	}
	return cfg, nil
}
