// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics registers the Prometheus vectors emitted by the
// engine: promauto-registered counters and histograms keyed by the
// (branch, table) label pair this engine's work is actually
// partitioned by.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// branchTableLabels names the two dimensions almost every metric in
// this package is partitioned by.
var branchTableLabels = []string{"branch", "table"}

// LatencyBuckets are the histogram buckets shared by every duration
// metric below, sized for sub-second batch round-trips up to
// multi-minute full-table snapshots.
var LatencyBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300}

var (
	// BatchesSynced counts successfully merged batches per (branch, table).
	BatchesSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_batches_total",
		Help: "the number of batches successfully merged into the target",
	}, branchTableLabels)

	// RowsMerged counts rows merged into the target per (branch, table).
	RowsMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_rows_merged_total",
		Help: "the number of rows merged into the target",
	}, branchTableLabels)

	// BatchDuration tracks how long one extract+merge batch took.
	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_batch_duration_seconds",
		Help:    "the length of time it took to extract and merge one batch",
		Buckets: LatencyBuckets,
	}, branchTableLabels)

	// WatermarkLagSeconds is best-effort: only meaningful for
	// timestamp/hybrid sync methods, where the watermark is itself a
	// wall-clock time.
	WatermarkLagSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_watermark_lag_seconds",
		Help: "approximate age of the most recently synced watermark, for timestamp/hybrid tables",
	}, branchTableLabels)

	// TableStatus encodes the current SyncMetaRecord.status as a gauge,
	// one time series per possible status value, 1 for the active
	// status and 0 for the rest.
	TableStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_table_status",
		Help: "1 if (branch, table) currently has the labeled status, 0 otherwise",
	}, []string{"branch", "table", "status"})

	// CycleDuration tracks the wall-clock time of one full cycle
	// across every branch.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_cycle_duration_seconds",
		Help:    "the length of time it took to run one cycle across all branches",
		Buckets: LatencyBuckets,
	})

	// SchemaErrors counts tables flagged SchemaError per (branch, table).
	SchemaErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_schema_errors_total",
		Help: "the number of times a table was flagged SchemaError",
	}, branchTableLabels)
)

// SetTableStatus zeroes every other status for (branch, table) and
// sets the observed one, so sync_table_status always has exactly one
// "1" series per (branch, table) at steady state.
func SetTableStatus(branch, table string, statuses []string, current string) {
	for _, s := range statuses {
		v := 0.0
		if s == current {
			v = 1.0
		}
		TableStatus.WithLabelValues(branch, table, s).Set(v)
	}
}
