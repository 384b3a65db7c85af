// Package orchestrator implements the Branch Orchestrator (C8) and
// Cycle Orchestrator (C9): the two-level bounded worker pools that fan
// a single Table Sync Engine call out across every table in a branch
// and every branch in a cycle, and the outer loop that repeats cycles
// on an interval within the allowed scheduling window.
//
// Grounded on other_examples/f9592121_Lingoxu1990-transferdb's
// fullPartSyncTable, which nests an outer errgroup.Group bounded by a
// table-thread limit around an inner errgroup.Group bounded by a
// per-table statement-thread limit -- the same outer-branch,
// inner-table shape this engine needs.
package orchestrator

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/branchsync/consolidator/internal/stopper"
	"github.com/branchsync/consolidator/internal/syncconfig"
	"github.com/branchsync/consolidator/internal/syncerr"
	"github.com/branchsync/consolidator/internal/tablesync"
)

var errShutdown = errors.New("orchestrator: shutdown requested before table sync started")

// TableSyncer is the subset of *tablesync.Engine the orchestrator
// depends on, so tests can substitute a fake engine.
type TableSyncer interface {
	Sync(ctx *stopper.Context, source, target, targetAdmin syncconfig.ConnectionConfig,
		spec syncconfig.TableSyncSpec, cfg *syncconfig.Config, workerID string) error
}

var _ TableSyncer = (*tablesync.Engine)(nil)

// BranchOrchestrator runs every TableSyncSpec in cfg against one
// source branch, bounded by cfg.MaxConcurrentTablesPerBranch. A
// SchemaError or DataError on one table never stops the others; a
// Shutdown error propagates up once every in-flight table has wound
// down via the inner errgroup's own Wait.
type BranchOrchestrator struct {
	Engine TableSyncer
	// Sinks routes per-table failure logging to the error stream; nil
	// falls back to logrus's standard logger.
	Sinks *syncconfig.Sinks
}

// NewBranchOrchestrator builds a BranchOrchestrator around engine.
func NewBranchOrchestrator(engine TableSyncer) *BranchOrchestrator {
	return &BranchOrchestrator{Engine: engine}
}

// RunBranch syncs every configured table for one source branch.
// workerPrefix disambiguates concurrent branches' temp tables; each
// table worker appends its own index.
func (b *BranchOrchestrator) RunBranch(
	ctx *stopper.Context, source, target, targetAdmin syncconfig.ConnectionConfig,
	cfg *syncconfig.Config, workerPrefix string,
) error {
	g := &errgroup.Group{}
	g.SetLimit(cfg.MaxConcurrentTablesPerBranch)

	for i, spec := range cfg.TableSpecs() {
		spec := spec
		workerID := workerIDFor(workerPrefix, i)
		g.Go(func() error {
			if ctx.IsStopping() {
				return syncerr.Wrap(syncerr.Shutdown, errShutdown)
			}
			err := b.Engine.Sync(ctx, source, target, targetAdmin, spec, cfg, workerID)
			if err != nil {
				logTableOutcome(b.Sinks, source.Database, spec.Name, err)
			}
			return filterGroupErr(err)
		})
	}

	return g.Wait()
}

// CycleOrchestrator fans a single cycle out across every branch
// (source connection), bounded by cfg.MaxDBSyncWorkers, and drives the
// outer RunForever loop: run a cycle, sleep RunIntervalSeconds, repeat,
// only while the allowed window is open and Stop has not been
// requested.
type CycleOrchestrator struct {
	Branch        *BranchOrchestrator
	TargetAdmin   syncconfig.ConnectionConfig
	Target        syncconfig.ConnectionConfig
	Sources       []syncconfig.ConnectionConfig
	Config        *syncconfig.Config
	// Now is swappable for tests; defaults to time.Now.
	Now func() time.Time
	// Sinks routes cycle-level failure logging to the error stream;
	// nil falls back to logrus's standard logger.
	Sinks *syncconfig.Sinks
}

// NewCycleOrchestrator builds a CycleOrchestrator.
func NewCycleOrchestrator(branch *BranchOrchestrator, target, targetAdmin syncconfig.ConnectionConfig, sources []syncconfig.ConnectionConfig, cfg *syncconfig.Config) *CycleOrchestrator {
	return &CycleOrchestrator{Branch: branch, Target: target, TargetAdmin: targetAdmin, Sources: sources, Config: cfg, Now: time.Now}
}

// RunCycle runs one full pass over every branch and returns once every
// branch has either finished or failed. It never returns an error
// itself; per-branch failures are logged and reflected only in
// per-table SyncMeta status.
func (c *CycleOrchestrator) RunCycle(ctx *stopper.Context) {
	g := &errgroup.Group{}
	g.SetLimit(c.Config.MaxDBSyncWorkers)

	for i, source := range c.Sources {
		source := source
		prefix := workerIDFor("branch", i)
		g.Go(func() error {
			if err := c.Branch.RunBranch(ctx, source, c.Target, c.TargetAdmin, c.Config, prefix); err != nil {
				errorLogger(c.Sinks).WithError(err).WithField("source", source.Database).Warn("branch sync cycle ended with errors")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RunForever repeats RunCycle on Config.RunIntervalSeconds until ctx
// is stopped, skipping cycles (and polling every
// AllowedWindowCheckIntervalSeconds instead) while outside the allowed
// scheduling window.
func (c *CycleOrchestrator) RunForever(ctx *stopper.Context) {
	windowPoll := time.Duration(c.Config.AllowedWindowCheckIntervalSeconds) * time.Second
	cycleInterval := time.Duration(c.Config.RunIntervalSeconds) * time.Second

	for {
		if ctx.IsStopping() {
			return
		}

		open, err := c.Config.WindowOpen(c.Now())
		if err != nil {
			errorLogger(c.Sinks).WithError(err).Error("could not evaluate allowed sync window; treating as closed")
			open = false
		}
		if !open {
			if !sleepOrStop(ctx, windowPoll) {
				return
			}
			continue
		}

		c.RunCycle(ctx)

		if !sleepOrStop(ctx, cycleInterval) {
			return
		}
	}
}

// sleepOrStop waits for d or until ctx is stopped, reporting which
// happened first.
func sleepOrStop(ctx *stopper.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Stopping():
		return false
	case <-timer.C:
		return true
	}
}

func workerIDFor(prefix string, index int) string {
	return prefix + "-" + strconv.Itoa(index)
}

// filterGroupErr keeps Shutdown errors propagating to the errgroup
// (so RunBranch's Wait returns promptly once cancellation begins) but
// swallows every other classified error: SchemaError/DataError/
// ConnectionError for one table must not cancel its siblings, per
// "table failures are independent".
func filterGroupErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syncerr.Shutdown) {
		return err
	}
	return nil
}

func logTableOutcome(sinks *syncconfig.Sinks, branch, table string, err error) {
	errorLogger(sinks).WithFields(log.Fields{"branch": branch, "table": table}).WithError(err).Warn("table sync ended with an error")
}

// errorLogger resolves a Sinks' Errors stream, falling back to
// logrus's standard logger when no Sinks (or no Errors stream) was
// configured.
func errorLogger(s *syncconfig.Sinks) *log.Logger {
	if s != nil && s.Errors != nil {
		return s.Errors
	}
	return log.StandardLogger()
}
