package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"execution_gateway/internal/config"
	"execution_gateway/internal/core"
	"execution_gateway/pkg/telemetry"
)

// High-water mark stream names
const (
	hwmReconciliation = "reconciliation"
	hwmAlpacaFills    = "alpaca_fills"
)

// defaultScanLimit bounds the per-cycle filled-orders-missing-fills scan
const defaultScanLimit = 200

// Service drives reconciliation: a startup run that gates live trading,
// then a periodic loop. A single mutex serializes cycles so startup,
// periodic and manual runs never interleave.
type Service struct {
	broker  core.IBrokerClient
	store   core.IStore
	cache   core.ICache
	cfg     config.ReconciliationConfig
	logger  core.ILogger
	state   *State
	metrics *telemetry.MetricsHolder

	recMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewService creates the reconciliation service
func NewService(
	brokerClient core.IBrokerClient,
	store core.IStore,
	cache core.ICache,
	cfg config.ReconciliationConfig,
	logger core.ILogger,
) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		broker:  brokerClient,
		store:   store,
		cache:   cache,
		cfg:     cfg,
		logger:  logger.WithField("component", "reconciler"),
		state:   NewState(cfg.Timeout(), cfg.DryRun),
		metrics: telemetry.GetGlobalMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// State exposes the lifecycle state for the admin surface
func (s *Service) State() *State {
	return s.state
}

// Start begins the periodic reconciliation loop
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting reconciliation loop",
		"poll_interval", s.cfg.PollInterval(),
		"dry_run", s.cfg.DryRun,
	)
	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Stop idempotently signals the loop to exit and waits for it. An
// in-progress cycle is allowed to complete.
func (s *Service) Stop() error {
	s.logger.Info("Stopping reconciliation loop")
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Service) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			// Broker, store and validation failures are recorded in state
			// and retried on the next tick. Panics are not recovered.
			if _, err := s.RunOnce(s.ctx, "periodic"); err != nil {
				s.logger.Error("Reconciliation cycle failed", "error", err.Error())
			}
		}
	}
}

// RunStartupReconciliation runs the one-shot startup cycle. On success the
// startup gate is open and order submission may proceed.
func (s *Service) RunStartupReconciliation(ctx context.Context) error {
	result, err := s.RunOnce(ctx, "startup")
	if err != nil {
		s.logger.Error("Startup reconciliation failed", "error", err.Error())
		return err
	}
	s.logger.Info("Startup reconciliation complete",
		"orders_synced", result.OrdersSynced,
		"orphans_detected", result.OrphansDetected,
		"fills_backfilled", result.FillsBackfilled,
	)
	return nil
}

// TriggerManual runs a single reconciliation cycle on demand
func (s *Service) TriggerManual(ctx context.Context) (*core.CycleResult, error) {
	s.logger.Info("Manual reconciliation triggered")
	return s.RunOnce(ctx, "manual")
}

// RunOnce performs one reconciliation cycle under the reconciliation mutex
func (s *Service) RunOnce(ctx context.Context, source string) (*core.CycleResult, error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()

	wallStart := time.Now()
	now := s.now()
	result := &core.CycleResult{
		Source:    source,
		Mode:      source,
		StartedAt: now,
	}

	logger := s.logger.WithField("cycle_id", uuid.NewString())
	logger.Info("Starting reconciliation cycle", "source", source)

	err := s.runCycle(ctx, now, result)
	result.CompletedAt = s.now()

	if err != nil {
		result.Status = core.CycleFailed
		result.Error = err.Error()
		s.state.RecordResult(result)
		s.metrics.RecordCycle(ctx, core.CycleFailed, time.Since(wallStart).Seconds())
		return result, err
	}

	result.Status = core.CycleSuccess
	s.state.RecordResult(result)
	// first success opens the startup gate; repeat calls are harmless
	_ = s.state.MarkStartupComplete(false, "", "")
	s.metrics.RecordCycle(ctx, core.CycleSuccess, time.Since(wallStart).Seconds())

	logger.Info("Reconciliation cycle complete",
		"source", source,
		"orders_synced", result.OrdersSynced,
		"conflicts_skipped", result.ConflictsSkipped,
		"orphans_detected", result.OrphansDetected,
		"fills_backfilled", result.FillsBackfilled,
		"positions_updated", result.PositionsUpdated,
		"positions_flattened", result.PositionsFlattened,
	)
	return result, nil
}

func (s *Service) runCycle(ctx context.Context, now time.Time, result *core.CycleResult) error {
	hwm, err := s.store.GetHighWaterMark(ctx, hwmReconciliation)
	if err != nil {
		return err
	}

	var after *time.Time
	if hwm != nil {
		a := hwm.Add(-s.cfg.Overlap())
		after = &a
	}

	// the open and recent windows are independent broker reads
	var openOrders, recentOrders []core.BrokerOrder
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		openOrders, err = s.broker.GetOrders(gctx, core.GetOrdersRequest{State: "open"})
		return err
	})
	if hwm != nil {
		g.Go(func() error {
			var err error
			recentOrders, err = s.broker.GetOrders(gctx, core.GetOrdersRequest{After: after, Until: &now})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	merged := mergeBrokerOrders(openOrders, recentOrders)

	dbOrders, err := s.store.GetNonTerminalOrders(ctx)
	if err != nil {
		return err
	}

	clientIDs := make([]string, 0, len(merged))
	for id := range merged {
		clientIDs = append(clientIDs, id)
	}
	known, err := s.store.GetOrderIDsByClientIDs(ctx, clientIDs)
	if err != nil {
		return err
	}

	for id, bo := range merged {
		if _, ok := known[id]; !ok {
			continue
		}
		if err := s.applyBrokerUpdate(ctx, bo, now, result); err != nil {
			return err
		}
	}

	if err := s.reconcileMissingOrders(ctx, dbOrders, merged, after, now, result); err != nil {
		return err
	}

	if err := s.detectOrphans(ctx, openOrders, recentOrders, known, now, result); err != nil {
		return err
	}

	result.FillsBackfilled += s.backfillMissingFillsScan(ctx, defaultScanLimit, now)

	if s.cfg.FillsBackfillEnabled {
		backfill, err := s.BackfillBrokerFills(ctx, nil, false)
		if err != nil {
			return err
		}
		result.FillsBackfilled += backfill.FillsInserted
	}

	updated, flattened, err := s.reconcilePositions(ctx, now)
	if err != nil {
		return err
	}
	result.PositionsUpdated = updated
	result.PositionsFlattened = flattened

	if !s.cfg.DryRun {
		if err := s.store.SetHighWaterMark(ctx, hwmReconciliation, now); err != nil {
			return err
		}
	}
	return nil
}
