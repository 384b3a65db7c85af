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

// Package syncconfig holds the compile/startup-time configuration
// surface: the table list, per-table sync methods and batch sizes,
// worker-pool bounds, the scheduling window, and the connection-file
// grammar. None of it binds CLI flags -- flag wiring and process
// lifecycle belong to the boundary CLI in cmd/consolidator.
package syncconfig

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Named sync methods. A TableSyncSpec may also carry an arbitrary
// column name as its SyncMethod, in which case that column is used as
// the watermark verbatim.
const (
	MethodAutono    = "autono"
	MethodTimestamp = "timestamp"
	MethodHybrid    = "hybrid"
	MethodFull      = "full"
)

// Default configuration values.
const (
	DefaultBatchSize                   = 100
	DefaultMaxDBSyncWorkers             = 4
	DefaultMaxConcurrentTablesPerBranch = 2
	DefaultPort                         = 1433
)

// TableSyncSpec describes how one table is synchronized.
type TableSyncSpec struct {
	Name       string
	SyncMethod string
	BatchSize  int
}

// Config is the startup-time configuration surface for a consolidation
// run. It is ordinarily built once by the boundary CLI and handed to
// the Cycle Orchestrator unchanged for the lifetime of the process.
type Config struct {
	// TablesToSync is the ordered list of table names to replicate
	// for every branch.
	TablesToSync []string
	// SyncMethods maps a lowercased table name to its sync method.
	// Tables absent from this map default to MethodAutono.
	SyncMethods map[string]string
	// BatchSizeMap maps a lowercased table name to its batch size.
	// Tables absent from this map use DefaultBatchSize.
	BatchSizeMap map[string]int

	MaxDBSyncWorkers             int
	MaxConcurrentTablesPerBranch int

	RunIntervalSeconds                 int
	AllowedWindowCheckIntervalSeconds int

	// AllowedStartTime and AllowedEndTime are "HH:MM" strings; see
	// Config.WindowOpen for the window semantics.
	AllowedStartTime string
	AllowedEndTime   string

	ConsolidatedTargetDatabase string
	SyncLookbackDays           int

	// GeneralLogPath, SuccessLogPath, and ErrorLogPath name the files
	// backing the three Sinks streams. Empty means the boundary CLI
	// falls back to stdout (general, success) or stderr (errors).
	GeneralLogPath string
	SuccessLogPath string
	ErrorLogPath   string
}

// TableSpecs resolves Config into the ordered list of TableSyncSpec
// values, applying the per-table method and batch-size overrides.
func (c *Config) TableSpecs() []TableSyncSpec {
	specs := make([]TableSyncSpec, 0, len(c.TablesToSync))
	for _, name := range c.TablesToSync {
		key := strings.ToLower(name)
		method := MethodAutono
		if m, ok := c.SyncMethods[key]; ok && m != "" {
			method = m
		}
		size := DefaultBatchSize
		if n, ok := c.BatchSizeMap[key]; ok && n > 0 {
			size = n
		}
		specs = append(specs, TableSyncSpec{Name: name, SyncMethod: method, BatchSize: size})
	}
	return specs
}

// Validate fills in defaults and rejects configurations the engine
// cannot run with. Called once by the boundary CLI after loading a
// Config, before any connection is opened.
func (c *Config) Validate() error {
	if len(c.TablesToSync) == 0 {
		return errors.New("syncconfig: TablesToSync must not be empty")
	}
	if c.MaxDBSyncWorkers <= 0 {
		c.MaxDBSyncWorkers = DefaultMaxDBSyncWorkers
	}
	if c.MaxConcurrentTablesPerBranch <= 0 {
		c.MaxConcurrentTablesPerBranch = DefaultMaxConcurrentTablesPerBranch
	}
	if c.RunIntervalSeconds <= 0 {
		return errors.New("syncconfig: RunIntervalSeconds must be positive")
	}
	if c.AllowedWindowCheckIntervalSeconds <= 0 {
		c.AllowedWindowCheckIntervalSeconds = 30
	}
	if c.AllowedStartTime == "" || c.AllowedEndTime == "" {
		return errors.New("syncconfig: AllowedStartTime and AllowedEndTime must both be set")
	}
	if _, err := parseHHMM(c.AllowedStartTime); err != nil {
		return errors.Wrap(err, "syncconfig: AllowedStartTime")
	}
	if _, err := parseHHMM(c.AllowedEndTime); err != nil {
		return errors.Wrap(err, "syncconfig: AllowedEndTime")
	}
	if c.ConsolidatedTargetDatabase == "" {
		return errors.New("syncconfig: ConsolidatedTargetDatabase must be set")
	}
	if c.SyncLookbackDays < 0 {
		return errors.New("syncconfig: SyncLookbackDays must not be negative")
	}
	return nil
}

// WindowOpen reports whether now falls inside the allowed sync
// window. AllowedStartTime == AllowedEndTime means the window is
// always open; AllowedStartTime < AllowedEndTime is a same-day range
// [start, end); otherwise the range wraps past midnight, e.g.
// 22:00-06:00 covers [22:00, 24:00) union [00:00, 06:00).
func (c *Config) WindowOpen(now time.Time) (bool, error) {
	start, err := parseHHMM(c.AllowedStartTime)
	if err != nil {
		return false, errors.Wrap(err, "syncconfig: AllowedStartTime")
	}
	end, err := parseHHMM(c.AllowedEndTime)
	if err != nil {
		return false, errors.Wrap(err, "syncconfig: AllowedEndTime")
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	clock := now.Sub(midnight)

	switch {
	case start == end:
		return true, nil
	case start < end:
		return clock >= start && clock < end, nil
	default:
		return clock >= start || clock < end, nil
	}
}

func parseHHMM(s string) (time.Duration, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, errors.Errorf("not an HH:MM time: %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, errors.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, errors.Errorf("invalid minute in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
