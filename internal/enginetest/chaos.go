// Package enginetest provides fault-injection and fixture helpers for
// exercising the orchestrator and table sync engine under simulated
// failure, without a real SQL Server.
//
// WithChaos is a probability-driven decorator around a single-method
// interface: on each call it injects a synthetic error instead of
// delegating, with odds set by the caller. Here it fuzzes a Table
// Sync Engine.
package enginetest

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/branchsync/consolidator/internal/orchestrator"
	"github.com/branchsync/consolidator/internal/stopper"
	"github.com/branchsync/consolidator/internal/syncconfig"
	"github.com/branchsync/consolidator/internal/syncerr"
)

// ErrChaos is wrapped (with syncerr.Data) and returned by an injected
// failure, so callers that classify errors by category still see a
// plausible in-taxonomy failure rather than an unclassified one.
var ErrChaos = errors.New("enginetest: injected failure")

// WithChaos wraps delegate so that, independently on every call,
// probability prob makes Sync return a synthetic error instead of
// delegating. A prob <= 0 returns delegate unchanged.
func WithChaos(delegate orchestrator.TableSyncer, prob float32) orchestrator.TableSyncer {
	if prob <= 0 {
		return delegate
	}
	return &chaosEngine{delegate: delegate, prob: prob}
}

type chaosEngine struct {
	delegate orchestrator.TableSyncer
	prob     float32
}

func (c *chaosEngine) Sync(
	ctx *stopper.Context, source, target, targetAdmin syncconfig.ConnectionConfig,
	spec syncconfig.TableSyncSpec, cfg *syncconfig.Config, workerID string,
) error {
	if rand.Float32() < c.prob {
		return syncerr.Wrap(syncerr.Data, errors.WithMessage(ErrChaos, spec.Name))
	}
	return c.delegate.Sync(ctx, source, target, targetAdmin, spec, cfg, workerID)
}
