// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v2"
	"maunium.net/go/mautrix/id"

	iutil "github.com/element-hq/matrix-appservice-bridge/internal/util"
)

// Namespace is one regex namespace claim in an AS registration.
type Namespace struct {
	Regex     string `yaml:"regex"`
	Exclusive bool   `yaml:"exclusive"`

	compiled *regexp.Regexp
}

// Registration is the application-service registration artifact, YAML
// bit-compatible with the Matrix AS spec.
type Registration struct {
	ID              string `yaml:"id"`
	URL             string `yaml:"url"`
	ASToken         string `yaml:"as_token"`
	HSToken         string `yaml:"hs_token"`
	SenderLocalpart string `yaml:"sender_localpart"`
	RateLimited     *bool  `yaml:"rate_limited,omitempty"`
	Namespaces      struct {
		Users   []Namespace `yaml:"users"`
		Aliases []Namespace `yaml:"aliases"`
		Rooms   []Namespace `yaml:"rooms"`
	} `yaml:"namespaces"`
}

// LoadRegistration reads and compiles a registration file.
func LoadRegistration(path string) (*Registration, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg Registration
	if err = yaml.Unmarshal(contents, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registration %q: %w", path, err)
	}
	if err = reg.Compile(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Save writes the registration as YAML.
func (r *Registration) Save(path string) error {
	contents, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, contents, 0o600)
}

// Compile prepares the namespace regexes for matching.
func (r *Registration) Compile() error {
	for _, set := range [][]Namespace{r.Namespaces.Users, r.Namespaces.Aliases, r.Namespaces.Rooms} {
		for i := range set {
			compiled, err := regexp.Compile(set[i].Regex)
			if err != nil {
				return fmt.Errorf("invalid namespace regex %q: %w", set[i].Regex, err)
			}
			set[i].compiled = compiled
		}
	}
	return nil
}

func matches(namespaces []Namespace, s string, exclusiveOnly bool) bool {
	for i := range namespaces {
		ns := &namespaces[i]
		if exclusiveOnly && !ns.Exclusive {
			continue
		}
		if ns.compiled == nil {
			ns.compiled = regexp.MustCompile(ns.Regex)
		}
		if ns.compiled.MatchString(s) {
			return true
		}
	}
	return false
}

// IsUserVirtual reports whether the user ID falls in an exclusive users
// namespace, i.e. the bridge owns it.
func (r *Registration) IsUserVirtual(userID id.UserID) bool {
	return matches(r.Namespaces.Users, string(userID), true)
}

// InUserNamespace reports whether the user ID matches any users
// namespace, exclusive or not.
func (r *Registration) InUserNamespace(userID id.UserID) bool {
	return matches(r.Namespaces.Users, string(userID), false)
}

// InAliasNamespace reports whether an alias matches any aliases
// namespace.
func (r *Registration) InAliasNamespace(alias string) bool {
	return matches(r.Namespaces.Aliases, alias, false)
}

// GenerateRegistrationOpts drive GenerateRegistration.
type GenerateRegistrationOpts struct {
	ID              string
	URL             string
	SenderLocalpart string
	// LocalpartPrefix seeds the exclusive users namespace; a prefix of
	// "_mybridge_" claims "@_mybridge_.*" on the given server name.
	LocalpartPrefix string
	ServerName      string
}

// GenerateRegistration produces a fresh registration with random tokens
// and a users namespace derived from the localpart prefix.
func GenerateRegistration(opts GenerateRegistrationOpts) (*Registration, error) {
	opts.SenderLocalpart = iutil.NormalizeLocalpart(opts.SenderLocalpart)
	if opts.SenderLocalpart == "" {
		return nil, fmt.Errorf("sender localpart must not be empty")
	}
	reg := &Registration{
		ID:              opts.ID,
		URL:             opts.URL,
		ASToken:         randomToken(),
		HSToken:         randomToken(),
		SenderLocalpart: opts.SenderLocalpart,
	}
	if reg.ID == "" {
		reg.ID = opts.SenderLocalpart
	}
	if opts.LocalpartPrefix != "" {
		server := regexp.QuoteMeta(opts.ServerName)
		if server == "" {
			server = ".*"
		}
		reg.Namespaces.Users = []Namespace{{
			Regex:     fmt.Sprintf("@%s.*:%s", regexp.QuoteMeta(opts.LocalpartPrefix), server),
			Exclusive: true,
		}}
	}
	if err := reg.Compile(); err != nil {
		return nil, err
	}
	return reg, nil
}

func randomToken() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic(err) // the OS RNG failing is unrecoverable
	}
	return hex.EncodeToString(raw)
}
