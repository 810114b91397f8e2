package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neuralforge/forged/internal/bus"
	"github.com/neuralforge/forged/internal/config"
	"github.com/neuralforge/forged/internal/domain"
)

func waitForScan(t *testing.T, store *stubTaskStore) staleScan {
	t.Helper()
	select {
	case scan := <-store.notify:
		return scan
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a watchdog scan")
		return staleScan{}
	}
}

func TestWatchdog_ScanRequeuesStaleTasks(t *testing.T) {
	store := newStubTaskStore()
	store.affected = 2
	o := New(bus.New(), store, &stubAdviser{})

	o.scanStale(context.Background(), config.WatchdogConfig{
		Enabled:         true,
		Action:          "requeue",
		TTLSeconds:      600,
		IntervalSeconds: 30,
		BatchLimit:      100,
		ProjectID:       "alpha",
	})

	require.Equal(t, 1, store.scanCount())
	scan := store.lastScan()
	require.Equal(t, "requeue", scan.action)
	require.Equal(t, domain.StaleParams{TTLSeconds: 600, Limit: 100, ProjectID: "alpha"}, scan.params)
}

func TestWatchdog_FailActionCarriesTTLReason(t *testing.T) {
	store := newStubTaskStore()
	o := New(bus.New(), store, &stubAdviser{})

	o.scanStale(context.Background(), config.WatchdogConfig{
		Enabled:    true,
		Action:     "fail",
		TTLSeconds: 900,
		BatchLimit: 50,
	})

	scan := store.lastScan()
	require.Equal(t, "fail", scan.action)
	require.Equal(t, "ttl_exceeded", scan.reason)
	require.Equal(t, domain.StaleParams{TTLSeconds: 900, Limit: 50}, scan.params)
}

func TestWatchdog_ScanToleratesStoreFailures(t *testing.T) {
	store := newStubTaskStore()
	store.err = domain.ErrDBUnavailable
	o := New(bus.New(), store, &stubAdviser{})

	o.scanStale(context.Background(), config.WatchdogConfig{Enabled: true, Action: "requeue", TTLSeconds: 600, BatchLimit: 100})
	require.Equal(t, 1, store.scanCount())

	store.err = errors.New("connection reset")
	o.scanStale(context.Background(), config.WatchdogConfig{Enabled: true, Action: "requeue", TTLSeconds: 600, BatchLimit: 100})
	require.Equal(t, 2, store.scanCount())
}

func TestWatchdog_LoopScansUntilStopped(t *testing.T) {
	store := newStubTaskStore()
	o := New(bus.New(), store, &stubAdviser{})
	o.watchdogParams = func() config.WatchdogConfig {
		return config.WatchdogConfig{Enabled: true, Action: "requeue", TTLSeconds: 600, IntervalSeconds: 1, BatchLimit: 100}
	}

	ctx := context.Background()
	o.Start(ctx)

	scan := waitForScan(t, store)
	require.Equal(t, "requeue", scan.action)

	o.Stop(ctx)
	require.False(t, o.Running())
}

func TestWatchdog_LoopRereadsParamsEachIteration(t *testing.T) {
	store := newStubTaskStore()
	o := New(bus.New(), store, &stubAdviser{})

	var action atomic.Value
	action.Store("requeue")
	o.watchdogParams = func() config.WatchdogConfig {
		return config.WatchdogConfig{
			Enabled:         true,
			Action:          action.Load().(string),
			TTLSeconds:      600,
			IntervalSeconds: 1,
			BatchLimit:      100,
		}
	}

	ctx := context.Background()
	o.Start(ctx)
	defer o.Stop(ctx)

	require.Equal(t, "requeue", waitForScan(t, store).action)

	action.Store("fail")
	deadline := time.After(5 * time.Second)
	for {
		select {
		case scan := <-store.notify:
			if scan.action == "fail" {
				require.Equal(t, "ttl_exceeded", scan.reason)
				return
			}
		case <-deadline:
			t.Fatal("watchdog never picked up the action change")
		}
	}
}

func TestWatchdog_DisabledAtStartNeverScans(t *testing.T) {
	store := newStubTaskStore()
	o := New(bus.New(), store, &stubAdviser{})
	o.watchdogParams = disabledWatchdog

	ctx := context.Background()
	o.Start(ctx)
	defer o.Stop(ctx)

	select {
	case <-store.notify:
		t.Fatal("watchdog scanned while disabled")
	case <-time.After(100 * time.Millisecond):
	}
}
