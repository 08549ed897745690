// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "familyvault",
		Subsystem: "network",
		Name:      "connected_peers",
	})
	metricEventsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "familyvault",
		Subsystem: "network",
		Name:      "events_emitted_total",
	}, []string{"event"})
	metricSyncRecordsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "familyvault",
		Subsystem: "network",
		Name:      "sync_records_applied_total",
	}, []string{"device_id"})
	metricFileTransferBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "familyvault",
		Subsystem: "network",
		Name:      "file_transfer_bytes_total",
	}, []string{"direction"})
)
