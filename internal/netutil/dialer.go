// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package netutil restricts outbound dialing to approved network
// ranges, keeping probes of untrusted homeservers away from internal
// addresses.
package netutil

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"
)

var ErrDeniedAddress = fmt.Errorf("address is denied")

// PrivateRanges covers RFC1918, loopback, link-local and unique-local
// space. Suitable as a deny list when probing arbitrary hosts.
var PrivateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
}

// PublicInternet allows everything, to be combined with a deny list.
var PublicInternet = []string{"0.0.0.0/0", "::/0"}

// RestrictedDialer returns a dialer that refuses connections to any
// address in the deny CIDRs and outside the allow CIDRs. With no
// restrictions it is a plain dialer with the given timeout.
func RestrictedDialer(allowCIDRs, denyCIDRs []string, timeout time.Duration) *net.Dialer {
	if len(allowCIDRs) == 0 && len(denyCIDRs) == 0 {
		return &net.Dialer{Timeout: timeout}
	}
	return &net.Dialer{
		Timeout:        timeout,
		ControlContext: checkAddress(allowCIDRs, denyCIDRs),
	}
}

func checkAddress(allowCIDRs, denyCIDRs []string) func(ctx context.Context, network, address string, conn syscall.RawConn) error {
	return func(_ context.Context, network, address string, _ syscall.RawConn) error {
		if network != "tcp4" && network != "tcp6" {
			return fmt.Errorf("%s is not a safe network type", network)
		}
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return fmt.Errorf("%s is not a valid host/port pair: %s", address, err)
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return fmt.Errorf("%s is not a valid IP address", host)
		}
		if inRange(ip, denyCIDRs) || !inRange(ip, allowCIDRs) {
			return ErrDeniedAddress
		}
		return nil
	}
}

func inRange(ip net.IP, cidrs []string) bool {
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
