// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRegistration(t *testing.T) {
	reg, err := GenerateRegistration(GenerateRegistrationOpts{
		URL:             "http://localhost:9000",
		SenderLocalpart: "ircbot",
		LocalpartPrefix: "irc_",
		ServerName:      "example.org",
	})
	require.NoError(t, err)

	assert.Equal(t, "ircbot", reg.ID, "the ID defaults to the sender localpart")
	assert.Equal(t, "ircbot", reg.SenderLocalpart)
	assert.Len(t, reg.ASToken, 64)
	assert.Len(t, reg.HSToken, 64)
	assert.NotEqual(t, reg.ASToken, reg.HSToken)

	require.Len(t, reg.Namespaces.Users, 1)
	ns := reg.Namespaces.Users[0]
	assert.True(t, ns.Exclusive)
	assert.True(t, reg.IsUserVirtual("@irc_alice:example.org"))
	assert.False(t, reg.IsUserVirtual("@alice:example.org"))
	assert.False(t, reg.IsUserVirtual("@irc_alice:other.org"))
}

func TestGenerateRegistrationNormalizesLocalpart(t *testing.T) {
	reg, err := GenerateRegistration(GenerateRegistrationOpts{SenderLocalpart: "  BridgeBot "})
	require.NoError(t, err)
	assert.Equal(t, "bridgebot", reg.SenderLocalpart)

	_, err = GenerateRegistration(GenerateRegistrationOpts{SenderLocalpart: "   "})
	assert.Error(t, err)
}

func TestRegistrationSaveLoadRoundtrip(t *testing.T) {
	reg, err := GenerateRegistration(GenerateRegistrationOpts{
		ID:              "mybridge",
		URL:             "http://localhost:9000",
		SenderLocalpart: "bridgebot",
		LocalpartPrefix: "bridge_",
		ServerName:      "example.org",
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "registration.yaml")
	require.NoError(t, reg.Save(path))

	loaded, err := LoadRegistration(path)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, loaded.ID)
	assert.Equal(t, reg.ASToken, loaded.ASToken)
	assert.Equal(t, reg.HSToken, loaded.HSToken)
	assert.Equal(t, reg.SenderLocalpart, loaded.SenderLocalpart)
	assert.True(t, loaded.IsUserVirtual("@bridge_ghost:example.org"),
		"the compiled namespaces survive the roundtrip")
}

func TestNamespaceMatching(t *testing.T) {
	reg := &Registration{}
	reg.Namespaces.Users = []Namespace{
		{Regex: `@irc_.*:example\.org`, Exclusive: true},
		{Regex: `@shared_.*:example\.org`},
	}
	reg.Namespaces.Aliases = []Namespace{{Regex: `#irc_.*:example\.org`}}
	require.NoError(t, reg.Compile())

	// Virtual requires an exclusive claim; the namespace check does not.
	assert.True(t, reg.IsUserVirtual("@irc_alice:example.org"))
	assert.False(t, reg.IsUserVirtual("@shared_alice:example.org"))
	assert.True(t, reg.InUserNamespace("@irc_alice:example.org"))
	assert.True(t, reg.InUserNamespace("@shared_alice:example.org"))
	assert.False(t, reg.InUserNamespace("@alice:example.org"))

	assert.True(t, reg.InAliasNamespace("#irc_general:example.org"))
	assert.False(t, reg.InAliasNamespace("#general:example.org"))
}

func TestCompileRejectsBadRegex(t *testing.T) {
	reg := &Registration{}
	reg.Namespaces.Rooms = []Namespace{{Regex: "("}}
	assert.Error(t, reg.Compile())
}
