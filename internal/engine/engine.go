// Package engine implements the risk detection core: it polls the transaction
// feed behind a monotonic cursor, maintains live exposure aggregates and
// sliding-window statistics, evaluates the threshold and anomaly rules, and
// emits deduplicated alerts.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianfs/riskwatch/internal/config"
	"github.com/meridianfs/riskwatch/internal/store"
	"github.com/meridianfs/riskwatch/pkg/metrics"
	"github.com/meridianfs/riskwatch/pkg/models"
)

var validate = validator.New()

// Notifier delivers an emitted alert to the configured channels. Delivery is
// best-effort; the persisted alert row stays the source of truth.
type Notifier interface {
	Notify(ctx context.Context, alert *models.Alert)
}

// Engine drives the processing pipeline. One Engine owns the feed cursor;
// batches are committed together with the cursor, so a crash replays the
// unacknowledged range against state reloaded from the store.
type Engine struct {
	logger   *zap.Logger
	cfg      *config.Config
	store    *store.Store
	notifier Notifier

	broadcastMu sync.RWMutex
	broadcast   func(*models.Alert)

	// mu guards the fields below against readers on the API path. The poll
	// loop is the only writer and never holds mu across I/O.
	mu        sync.RWMutex
	book      *ExposureBook
	evaluator *Evaluator
	cursor    models.FeedCursor
	warmed    bool

	// dirty is owned by the poll loop: set when a failed cycle may have
	// left uncommitted updates in the book, cleared by a successful rebuild.
	dirty bool

	processed       atomic.Int64
	alertsGenerated atomic.Int64
}

// New creates an engine over the given store. Call Warmup before Run when
// startup ordering matters; Run warms itself otherwise.
func New(logger *zap.Logger, cfg *config.Config, st *store.Store, notifier Notifier) *Engine {
	return &Engine{
		logger:   logger,
		cfg:      cfg,
		store:    st,
		notifier: notifier,
	}
}

// SetBroadcast registers a hook invoked for every newly emitted alert, used
// to feed the websocket stream.
func (e *Engine) SetBroadcast(fn func(*models.Alert)) {
	e.broadcastMu.Lock()
	e.broadcast = fn
	e.broadcastMu.Unlock()
}

// Book returns the live exposure aggregates.
func (e *Engine) Book() *ExposureBook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book
}

// Cursor returns the last committed feed position.
func (e *Engine) Cursor() models.FeedCursor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cursor
}

// Stats reports the pipeline counters.
type Stats struct {
	TransactionsProcessed int64 `json:"transactions_processed"`
	AlertsGenerated       int64 `json:"alerts_generated"`
}

// Stats returns the counters accumulated since warmup. AlertsGenerated
// includes alerts from prior process generations.
func (e *Engine) Stats() Stats {
	return Stats{
		TransactionsProcessed: e.processed.Load(),
		AlertsGenerated:       e.alertsGenerated.Load(),
	}
}

// Warmup rebuilds all in-memory state from the store: exposure aggregates,
// the feed cursor, per-symbol anomaly windows, and the dedup tracker.
func (e *Engine) Warmup(ctx context.Context) error {
	if err := e.rebuild(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.warmed = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) rebuild(ctx context.Context) error {
	overrides, err := e.store.ReadThresholdOverrides(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load threshold overrides")
	}
	clients, err := e.store.LoadClientExposures(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load client exposures")
	}
	symbols, err := e.store.LoadSymbolExposures(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load symbol exposures")
	}
	cursor, err := e.store.LoadCursor(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load feed cursor")
	}
	values, err := e.store.RecentValuesBySymbol(ctx, cursor, e.cfg.Risk.AnomalyWindow)
	if err != nil {
		return errors.Wrap(err, "failed to load anomaly baselines")
	}
	alertCount, err := e.store.CountAlerts(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to count alerts")
	}

	book := NewExposureBook(e.cfg.Risk, overrides)
	book.Warm(clients, symbols)
	anomaly := NewAnomalyDetector(e.cfg.Risk.AnomalyWindow, e.cfg.Risk.AnomalyMinSamples)
	anomaly.Warm(values)
	dedup := NewDeduper(e.cfg.Risk.AlertCooldown)
	if !cursor.LastTimestamp.IsZero() {
		// cooldowns run on feed time, so seed relative to the cursor
		recent, err := e.store.RecentAlerts(ctx, cursor.LastTimestamp.Add(-e.cfg.Risk.AlertCooldown))
		if err != nil {
			return errors.Wrap(err, "failed to load recent alerts")
		}
		dedup.Warm(recent)
	}
	velocity := NewVelocityTracker(e.cfg.Risk.VelocityWindow)

	e.mu.Lock()
	e.book = book
	e.evaluator = NewEvaluator(e.cfg.Risk, book, velocity, anomaly, dedup)
	e.cursor = cursor
	e.mu.Unlock()
	e.alertsGenerated.Store(alertCount)
	metrics.FeedCursorID.Set(float64(cursor.LastTransactionID))

	e.logger.Info("engine state rebuilt",
		zap.Int("clients", len(clients)),
		zap.Int("symbols", len(symbols)),
		zap.Int64("cursor_transaction_id", cursor.LastTransactionID),
		zap.Int64("alerts_total", alertCount))
	return nil
}

// Run polls the feed until the context is cancelled. The snapshotter runs on
// its own timer alongside the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.RLock()
	warmed := e.warmed
	e.mu.RUnlock()
	if !warmed {
		if err := e.Warmup(ctx); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.snapshotLoop(ctx)
	}()
	defer wg.Wait()

	e.logger.Info("risk engine started",
		zap.Duration("poll_interval", e.cfg.Engine.PollInterval),
		zap.Int("batch_size", e.cfg.Engine.BatchSize),
		zap.Int("workers", e.cfg.Engine.Workers))

	interval := e.cfg.Engine.PollInterval
	wait := interval
	degraded := false
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("risk engine stopping",
				zap.Int64("transactions_processed", e.processed.Load()),
				zap.Int64("alerts_generated", e.alertsGenerated.Load()))
			return ctx.Err()
		case <-time.After(wait):
		}

		n, err := e.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			e.logger.Error("poll cycle failed", zap.Error(err), zap.Duration("retry_in", wait))
			degraded = true
			wait = minDuration(wait*2, 8*interval)
			continue
		}
		if degraded {
			e.logger.Info("poll cycle recovered")
			degraded = false
		}
		if n >= e.cfg.Engine.BatchSize {
			// backlog: drain without waiting for the next tick
			wait = 0
		} else {
			wait = interval
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// cycle runs one iteration of the poll loop. A failed cycle may have applied
// transactions to the book that never committed; the cursor did not advance,
// so the next poll would replay that range on top of the dirty state and
// double-count it. No polling happens until a rebuild from the store has
// succeeded.
func (e *Engine) cycle(ctx context.Context) (int, error) {
	if e.dirty {
		if err := e.rebuild(ctx); err != nil {
			return 0, errors.Wrap(err, "failed to rebuild engine state")
		}
		e.dirty = false
	}
	n, err := e.pollOnce(ctx)
	if err != nil {
		e.dirty = true
		return 0, err
	}
	return n, nil
}

func (e *Engine) pollOnce(ctx context.Context) (int, error) {
	start := time.Now()
	txs, err := e.store.ReadTransactionsSince(ctx, e.cursor, e.cfg.Engine.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read transactions")
	}
	if len(txs) == 0 {
		return 0, nil
	}
	if err := e.processBatch(ctx, txs); err != nil {
		return 0, err
	}
	metrics.PollDuration.Observe(time.Since(start).Seconds())
	return len(txs), nil
}

// processBatch validates the polled range, evaluates it in conflict waves,
// and commits the touched aggregates together with the advanced cursor in
// one store transaction.
func (e *Engine) processBatch(ctx context.Context, txs []models.Transaction) error {
	last := txs[len(txs)-1]

	valid := txs[:0]
	touchedClients := make(map[string]struct{})
	touchedSymbols := make(map[string]struct{})
	for _, tx := range txs {
		if err := validate.Struct(tx); err != nil {
			metrics.TransactionsSkipped.Inc()
			e.logger.Warn("skipping malformed transaction",
				zap.Int64("transaction_id", tx.ID), zap.Error(err))
			continue
		}
		valid = append(valid, tx)
		touchedClients[tx.ClientID] = struct{}{}
		touchedSymbols[tx.Symbol] = struct{}{}
	}

	for start := 0; start < len(valid); {
		end := waveEnd(valid, start)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Engine.Workers)
		for _, tx := range valid[start:end] {
			g.Go(func() error {
				return e.processOne(gctx, tx)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		start = end
	}

	clients := make([]models.ClientExposure, 0, len(touchedClients))
	for id := range touchedClients {
		if c, ok := e.book.Client(id); ok {
			clients = append(clients, c)
		}
	}
	symbols := make([]models.SymbolExposure, 0, len(touchedSymbols))
	for sym := range touchedSymbols {
		if s, ok := e.book.Symbol(sym); ok {
			symbols = append(symbols, s)
		}
	}

	cursor := models.FeedCursor{
		ID:                1,
		LastTimestamp:     last.Timestamp,
		LastTransactionID: last.ID,
		UpdatedAt:         time.Now().UTC(),
	}
	if err := e.store.CommitBatch(ctx, clients, symbols, cursor); err != nil {
		return errors.Wrap(err, "failed to commit batch")
	}

	e.mu.Lock()
	e.cursor = cursor
	e.mu.Unlock()
	metrics.FeedCursorID.Set(float64(cursor.LastTransactionID))

	e.logger.Debug("batch committed",
		zap.Int("transactions", len(valid)),
		zap.Int64("cursor_transaction_id", cursor.LastTransactionID))
	return nil
}

// waveEnd scans forward from start and returns the first index that would
// repeat a client or symbol already in the wave. Within a wave every entity
// key is unique, so the wave can run in parallel; waves run one after
// another, which keeps per-key ordering identical to feed order.
func waveEnd(txs []models.Transaction, start int) int {
	seenClients := make(map[string]struct{})
	seenSymbols := make(map[string]struct{})
	end := start
	for end < len(txs) {
		tx := txs[end]
		if _, ok := seenClients[tx.ClientID]; ok {
			break
		}
		if _, ok := seenSymbols[tx.Symbol]; ok {
			break
		}
		seenClients[tx.ClientID] = struct{}{}
		seenSymbols[tx.Symbol] = struct{}{}
		end++
	}
	return end
}

func (e *Engine) processOne(ctx context.Context, tx models.Transaction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule evaluation panicked",
				zap.Int64("transaction_id", tx.ID), zap.Any("panic", r))
			err = e.emit(ctx, engineFailureAlert(tx, r))
		}
	}()

	for _, alert := range e.evaluator.Evaluate(tx) {
		if err := e.emit(ctx, alert); err != nil {
			return err
		}
	}
	e.processed.Add(1)
	metrics.TransactionsProcessed.Inc()
	return nil
}

// emit persists the alert, then notifies and broadcasts. A natural-key
// conflict means a crashed run already emitted it; nothing is re-sent.
func (e *Engine) emit(ctx context.Context, alert *models.Alert) error {
	inserted, err := e.store.InsertAlert(ctx, alert)
	if err != nil {
		return errors.Wrap(err, "failed to persist alert")
	}
	if !inserted {
		return nil
	}
	e.alertsGenerated.Add(1)
	metrics.AlertsEmitted.WithLabelValues(string(alert.AlertType), string(alert.Severity)).Inc()
	e.logger.Warn("risk alert",
		zap.String("type", string(alert.AlertType)),
		zap.String("severity", string(alert.Severity)),
		zap.String("entity_type", string(alert.EntityType)),
		zap.String("entity_id", alert.EntityID),
		zap.Bool("escalation", alert.Escalation),
		zap.String("message", alert.Message))

	if e.notifier != nil {
		e.notifier.Notify(ctx, alert)
	}
	e.broadcastMu.RLock()
	broadcast := e.broadcast
	e.broadcastMu.RUnlock()
	if broadcast != nil {
		broadcast(alert)
	}
	return nil
}

func engineFailureAlert(tx models.Transaction, cause any) *models.Alert {
	return &models.Alert{
		Timestamp:      tx.Timestamp,
		AlertType:      models.AlertEngineFailure,
		Severity:       models.SeverityHigh,
		EntityType:     models.EntitySystem,
		EntityID:       "rule-evaluator",
		Message:        fmt.Sprintf("rule evaluation failed for transaction %d: %v", tx.ID, cause),
		ThresholdValue: decimal.Zero,
		CurrentValue:   tx.TotalValue,
		TransactionID:  tx.ID,
	}
}

func (e *Engine) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.WriteSnapshot(ctx); err != nil {
				e.logger.Error("failed to write metrics snapshot", zap.Error(err))
			}
		}
	}
}

// WriteSnapshot derives one point-in-time rollup from the live aggregates
// and appends it to the store. It only reads engine state.
func (e *Engine) WriteSnapshot(ctx context.Context) error {
	book := e.Book()
	if book == nil {
		return nil
	}
	clients := book.Clients()
	symbols := book.Symbols()

	total := decimal.Zero
	snap := models.RiskMetricsSnapshot{
		Timestamp:       time.Now().UTC(),
		AlertsGenerated: e.alertsGenerated.Load(),
	}
	for _, c := range clients {
		total = total.Add(c.TotalExposure)
		if c.TotalExposure.IsPositive() {
			snap.ActiveClients++
		}
		if c.RiskLevel.Rank() >= models.RiskHigh.Rank() {
			snap.HighRiskClients++
		}
	}
	for _, s := range symbols {
		if s.TotalExposure.IsPositive() {
			snap.ActiveSymbols++
		}
		if s.RiskLevel.Rank() >= models.RiskHigh.Rank() {
			snap.HighRiskSymbols++
		}
	}
	snap.TotalExposure = total

	txCount, err := e.store.CountTransactions(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to count transactions")
	}
	snap.TotalTransactions = txCount

	if err := e.store.InsertSnapshot(ctx, &snap); err != nil {
		return errors.Wrap(err, "failed to insert snapshot")
	}
	e.logger.Debug("metrics snapshot written",
		zap.Int64("active_clients", snap.ActiveClients),
		zap.Int64("active_symbols", snap.ActiveSymbols),
		zap.Int64("alerts_generated", snap.AlertsGenerated))
	return nil
}
