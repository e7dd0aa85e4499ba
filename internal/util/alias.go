// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package util normalizes Matrix identifiers for storage and
// comparison. Aliases, localparts and server names are all treated
// case-insensitively.
package util

import "strings"

// NormalizeRoomAlias trims surrounding whitespace and lowercases the
// alias.
func NormalizeRoomAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}
