// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package httputil holds the HTTP plumbing shared by the AS listener
// and the media proxy.
package httputil

import (
	"net/http"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/matrix-appservice-bridge/api"
)

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "bridge",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "Duration of handled HTTP requests",
	Buckets:   prometheus.DefBuckets,
}, []string{"handler", "code"})

var registerHTTPMetrics sync.Once

func init() {
	registerHTTPMetrics.Do(func() {
		prometheus.MustRegister(requestDuration)
	})
}

// MakeServiceAPI wraps a JSON handler with logging and metrics.
func MakeServiceAPI(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
	h := util.MakeJSONAPI(util.NewJSONRequestHandler(f))
	return promhttp(metricsName, h)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func promhttp(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(prometheus.ObserverFunc(func(seconds float64) {
			requestDuration.WithLabelValues(name, http.StatusText(sw.status)).Observe(seconds)
		}))
		defer timer.ObserveDuration()
		next.ServeHTTP(sw, req)
	})
}

// ErrorResponse maps a bridge error onto the client-server wire format.
func ErrorResponse(err error) util.JSONResponse {
	bridgeErr := api.Classify(err)
	switch bridgeErr.Kind {
	case api.KindBadValue:
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(bridgeErr.Message),
		}
	case api.KindNotFound:
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound(bridgeErr.Message),
		}
	case api.KindForbidden:
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden(bridgeErr.Message),
		}
	case api.KindRateLimited:
		return util.JSONResponse{
			Code: http.StatusTooManyRequests,
			JSON: spec.LimitExceeded("Too many requests", 0),
		}
	default:
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
}

// HealthHandler answers GET /health.
func HealthHandler() http.Handler {
	return MakeServiceAPI("health", func(*http.Request) util.JSONResponse {
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: struct {
				OK bool `json:"ok"`
			}{OK: true},
		}
	})
}
