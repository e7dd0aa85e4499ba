// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package netutil

import (
	"net"
	"net/http"
	"strings"
)

// RemoteIP resolves the caller's address behind reverse proxies. It
// prefers X-Forwarded-For, falling back to req.RemoteAddr, and returns
// the first parseable address when the header carries a chain.
func RemoteIP(req *http.Request) string {
	addr := req.Header.Get("X-Forwarded-For")
	if addr == "" {
		addr = req.RemoteAddr
	}
	if first, _, found := strings.Cut(addr, ","); found {
		first = strings.TrimSpace(first)
		if net.ParseIP(first) != nil {
			return first
		}
	}
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
