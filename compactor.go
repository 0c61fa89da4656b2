package rdb

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/cubefs/rdb/metrics"
)

const (
	triggerPeriodic = "periodic"
	triggerSpace    = "space"
)

// compactor makes applied state durable and drops what the log and the
// object region no longer need: checkpoint, truncate the log behind the
// checkpoint and aggregate old record versions.
type compactor struct {
	db       *DB
	group    singleflight.Group
	limiter  *rate.Limiter
	interval time.Duration
}

func newCompactor(db *DB) *compactor {
	return &compactor{
		db:       db,
		limiter:  rate.NewLimiter(rate.Limit(db.cfg.CompactPerSecond), defaultCompactBurst),
		interval: time.Duration(db.cfg.CompactIntervalMs) * time.Millisecond,
	}
}

func (c *compactor) run() {
	defer c.db.wg.Done()
	span, ctx := trace.StartSpanFromContext(context.Background(), "compact-"+c.db.uuid)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.db.done:
			return
		case <-ticker.C:
			if err := c.compact(ctx, triggerPeriodic); err != nil {
				span.Errorf("periodic compaction failed: %s", errors.Detail(err))
			}
		}
	}
}

// trigger runs a compaction keeping no log entries behind the checkpoint.
// Concurrent triggers share one run and runs are rate limited.
func (c *compactor) trigger(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.compact(ctx, triggerSpace)
}

func (c *compactor) compact(ctx context.Context, trigger string) error {
	_, err, _ := c.group.Do(trigger, func() (interface{}, error) {
		return nil, c.doCompact(ctx, trigger)
	})
	return err
}

func (c *compactor) doCompact(ctx context.Context, trigger string) error {
	span := trace.SpanFromContextSafe(ctx)
	db := c.db
	checkpoint, err := db.s.Checkpoint(ctx)
	if err != nil {
		return err
	}
	keep := db.cfg.CompactKeepEntries
	if trigger == triggerSpace {
		keep = 0
	}
	if checkpoint <= keep {
		return nil
	}
	index := checkpoint - keep
	if index <= db.node.LogState().BaseIndex {
		return nil
	}
	if err = db.node.Compact(ctx, index); err != nil {
		return errors.Info(err, "truncate log failed", index)
	}
	n, err := db.s.Aggregate(ctx, index)
	if err != nil {
		return errors.Info(err, "aggregate failed", index)
	}
	metrics.Compactions.WithLabelValues(db.uuid, trigger).Inc()
	span.Infof("db %s compacted by %s trigger, checkpoint: %d, log truncated to %d, %d versions aggregated",
		db.uuid, trigger, checkpoint, index, n)
	return nil
}
