package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/neuralforge/forged/internal/config"
	"github.com/neuralforge/forged/internal/domain"
	"github.com/neuralforge/forged/internal/log"
	"github.com/neuralforge/forged/internal/metrics"
)

// failReason tags task results written by the periodic scan; manual admin
// scans pass their own reason.
const failReason = "ttl_exceeded"

// watchdogLoop recovers tasks stuck in_progress past their TTL. Parameters
// are re-read every iteration so the scan can be retuned or paused via
// environment without restarting the server. Cancellation exits between
// iterations; a scan in flight finishes first.
func (o *Orchestrator) watchdogLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		p := o.watchdogParams()
		if p.Enabled {
			o.scanStale(ctx, p)
		}
		if !sleepCtx(ctx, time.Duration(p.IntervalSeconds)*time.Second) {
			return
		}
	}
}

// scanStale runs one watchdog pass: requeue or fail every task stuck
// in_progress longer than the TTL, bounded by the batch limit.
func (o *Orchestrator) scanStale(ctx context.Context, p config.WatchdogConfig) {
	ctx, span := tracer.Start(ctx, "Watchdog.scan")
	defer span.End()
	span.SetAttributes(
		attribute.String("phase", "scan"),
		attribute.String("action", p.Action),
		attribute.Int("ttl_seconds", p.TTLSeconds),
		attribute.Int("limit", p.BatchLimit),
	)
	if p.ProjectID != "" {
		span.SetAttributes(attribute.String("project_id", p.ProjectID))
	}

	start := time.Now()
	params := domain.StaleParams{
		TTLSeconds: p.TTLSeconds,
		Limit:      p.BatchLimit,
		ProjectID:  p.ProjectID,
	}

	var (
		affected int
		err      error
	)
	if p.Action == "fail" {
		affected, err = o.store.FailStaleInProgress(ctx, params, failReason)
	} else {
		affected, err = o.store.RequeueStaleInProgress(ctx, params)
	}
	if errors.Is(err, domain.ErrDBUnavailable) {
		metrics.WatchdogError(p.Action)
		log.Warn(ctx, "watchdog.no_db", zap.String("action", p.Action))
		return
	}
	if err != nil {
		metrics.WatchdogError(p.Action)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(ctx, "watchdog.scan_error",
			zap.String("action", p.Action),
			zap.String("error", err.Error()),
		)
		return
	}

	elapsed := time.Since(start)
	metrics.WatchdogScan(p.Action)
	metrics.WatchdogScanDuration(p.Action, elapsed.Seconds())
	outcome := "none"
	if affected > 0 {
		outcome = "ok"
	}
	metrics.WatchdogAction(p.Action, outcome)

	span.SetAttributes(
		attribute.Int("affected", affected),
		attribute.Int64("duration_ms", elapsed.Milliseconds()),
	)
	log.Info(ctx, "watchdog.scan",
		zap.String("action", p.Action),
		zap.Int("ttl_seconds", p.TTLSeconds),
		zap.Int("limit", p.BatchLimit),
		zap.Int("affected", affected),
		zap.String("project_id", p.ProjectID),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	)
}

// sleepCtx waits for d or until the context is cancelled. Returns false on
// cancellation. Intervals below one second are raised to one second so a
// misconfigured loop cannot spin.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d < time.Second {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
