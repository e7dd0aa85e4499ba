// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Subsystem: "membership_queue",
		Name:      "pending",
		Help:      "Number of membership operations waiting or in flight",
	})
	processedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "membership_queue",
			Name:      "processed_total",
			Help:      "Membership operations finished, by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

var registerQueueMetrics sync.Once

func init() {
	registerQueueMetrics.Do(func() {
		prometheus.MustRegister(pendingGauge, processedCounter)
	})
}

const (
	outcomeSuccess = "success"
	outcomeFail    = "fail"
	outcomeDead    = "dead"
)
