package enginetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/branchsync/consolidator/internal/orchestrator"
	"github.com/branchsync/consolidator/internal/stopper"
	"github.com/branchsync/consolidator/internal/syncconfig"
)

type countingEngine struct {
	mu    sync.Mutex
	calls int
}

func (c *countingEngine) Sync(ctx *stopper.Context, source, target, targetAdmin syncconfig.ConnectionConfig,
	spec syncconfig.TableSyncSpec, cfg *syncconfig.Config, workerID string) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return nil
}

func TestWithChaosZeroProbabilityPassesThrough(t *testing.T) {
	inner := &countingEngine{}
	wrapped := WithChaos(inner, 0)
	require.Same(t, orchestrator.TableSyncer(inner), wrapped)
}

func TestWithChaosInjectsFailuresWithoutDeadlock(t *testing.T) {
	f := NewFixture(t, 3)
	f.Config.TablesToSync = []string{"Customer", "SaleHeader", "SaleDetail", "Debit", "Creditor"}
	f.Config.MaxConcurrentTablesPerBranch = 2
	f.Config.MaxDBSyncWorkers = 2

	engine := WithChaos(&countingEngine{}, 0.5)
	co := orchestrator.NewCycleOrchestrator(
		orchestrator.NewBranchOrchestrator(engine), f.Target, f.Admin, f.Sources, f.Config,
	)

	ctx := stopper.WithContext(context.Background())
	done := make(chan struct{})
	go func() {
		co.RunCycle(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunCycle did not return: a table failure must not wedge the worker pool")
	}
}
