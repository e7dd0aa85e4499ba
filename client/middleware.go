// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var outgoingRequests = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "bridge",
		Subsystem: "client",
		Name:      "outgoing_request_duration_seconds",
		Help:      "Duration of outbound homeserver requests",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	},
	[]string{"method", "code"},
)

var registerClientMetrics sync.Once

func init() {
	registerClientMetrics.Do(func() {
		prometheus.MustRegister(outgoingRequests)
	})
}

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// LoggingRoundTripper wraps a transport with per-request debug logging
// and latency metrics. Tokens never appear in the log output.
func LoggingRoundTripper(next http.RoundTripper, log *logrus.Entry) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		start := time.Now()
		res, err := next.RoundTrip(req)
		elapsed := time.Since(start)
		fields := logrus.Fields{
			"method":     req.Method,
			"path":       req.URL.Path,
			"elapsed_ms": elapsed.Milliseconds(),
		}
		code := "error"
		if res != nil {
			code = strconv.Itoa(res.StatusCode)
			fields["status"] = res.StatusCode
		}
		outgoingRequests.WithLabelValues(req.Method, code).Observe(elapsed.Seconds())
		if err != nil {
			log.WithError(err).WithFields(fields).Warn("Outbound request failed")
			return res, err
		}
		log.WithFields(fields).Debug("Outbound request")
		return res, nil
	})
}
