package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meridianfs/riskwatch/pkg/models"
)

// Store wraps the database with the operations the engine, the API server and
// riskctl need. Callers that only need a slice of it declare their own
// interface over these methods.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// New creates a Store.
func New(logger *zap.Logger, db *gorm.DB) *Store {
	return &Store{logger: logger, db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ReadTransactionsSince returns up to limit transactions strictly after the
// cursor, ordered by timestamp then id so the cursor always advances even
// when timestamps collide.
func (s *Store) ReadTransactionsSince(ctx context.Context, cursor models.FeedCursor, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("timestamp > ? OR (timestamp = ? AND id > ?)",
			cursor.LastTimestamp, cursor.LastTimestamp, cursor.LastTransactionID).
		Order("timestamp ASC, id ASC").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return txs, nil
}

// InsertTransaction persists one transaction. Used by the simulator; the
// engine never writes this table.
func (s *Store) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// InsertTransactions persists a batch of transactions.
func (s *Store) InsertTransactions(ctx context.Context, txs []models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(txs, 100).Error; err != nil {
		return fmt.Errorf("failed to insert transactions: %w", err)
	}
	return nil
}

// CommitBatch upserts the dirty exposure aggregates of one processed batch
// and advances the feed cursor in the same database transaction. A crash
// before commit therefore replays the whole batch against the pre-batch
// state on restart. The cursor row is written exactly as the caller stamped
// it, so the committed and in-memory markers stay identical.
func (s *Store) CommitBatch(ctx context.Context, clients []models.ClientExposure, symbols []models.SymbolExposure, cursor models.FeedCursor) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(clients) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "client_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"total_exposure", "position_count", "risk_level", "last_updated"}),
			}).Create(&clients).Error
			if err != nil {
				return fmt.Errorf("failed to upsert client exposures: %w", err)
			}
		}
		if len(symbols) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "symbol"}},
				DoUpdates: clause.AssignmentColumns([]string{"total_exposure", "transaction_count", "risk_level", "last_updated"}),
			}).Create(&symbols).Error
			if err != nil {
				return fmt.Errorf("failed to upsert symbol exposures: %w", err)
			}
		}
		cursor.ID = 1
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_timestamp", "last_transaction_id", "updated_at"}),
		}).Create(&cursor).Error
		if err != nil {
			return fmt.Errorf("failed to checkpoint cursor: %w", err)
		}
		return nil
	})
}

// LoadCursor returns the committed feed cursor, or a zero cursor when the
// engine has never run against this database.
func (s *Store) LoadCursor(ctx context.Context) (models.FeedCursor, error) {
	var cursor models.FeedCursor
	err := s.db.WithContext(ctx).First(&cursor, "id = ?", 1).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.FeedCursor{ID: 1}, nil
		}
		return models.FeedCursor{}, fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

// LoadClientExposures returns all client aggregates for engine warmup.
func (s *Store) LoadClientExposures(ctx context.Context) ([]models.ClientExposure, error) {
	var rows []models.ClientExposure
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load client exposures: %w", err)
	}
	return rows, nil
}

// LoadSymbolExposures returns all symbol aggregates for engine warmup.
func (s *Store) LoadSymbolExposures(ctx context.Context) ([]models.SymbolExposure, error) {
	var rows []models.SymbolExposure
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load symbol exposures: %w", err)
	}
	return rows, nil
}

// ReadThresholdOverrides returns the per-entity exposure thresholds.
func (s *Store) ReadThresholdOverrides(ctx context.Context) ([]models.ThresholdOverride, error) {
	var rows []models.ThresholdOverride
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read threshold overrides: %w", err)
	}
	return rows, nil
}

// RecentValuesBySymbol returns up to perSymbol transaction values per symbol
// from the processed prefix of the feed, oldest first. Bounding by the cursor
// keeps reseeded anomaly windows identical to the state before a restart.
func (s *Store) RecentValuesBySymbol(ctx context.Context, cursor models.FeedCursor, perSymbol int) (map[string][]float64, error) {
	processed := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("timestamp < ? OR (timestamp = ? AND id <= ?)",
			cursor.LastTimestamp, cursor.LastTimestamp, cursor.LastTransactionID).
		Session(&gorm.Session{})

	var symbols []string
	if err := processed.Distinct("symbol").Pluck("symbol", &symbols).Error; err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}

	out := make(map[string][]float64, len(symbols))
	for _, symbol := range symbols {
		var values []decimal.Decimal
		err := processed.
			Where("symbol = ?", symbol).
			Order("timestamp DESC, id DESC").
			Limit(perSymbol).
			Pluck("total_value", &values).Error
		if err != nil {
			return nil, fmt.Errorf("failed to read recent values for %s: %w", symbol, err)
		}
		floats := make([]float64, len(values))
		for i, v := range values {
			// reverse into feed order
			floats[len(values)-1-i] = v.InexactFloat64()
		}
		out[symbol] = floats
	}
	return out, nil
}

// InsertAlert persists an alert. Inserts are idempotent on the natural key
// (alert_type, entity_type, entity_id, transaction_id); a replayed alert
// reports inserted=false and is not re-notified.
func (s *Store) InsertAlert(ctx context.Context, alert *models.Alert) (bool, error) {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "alert_type"}, {Name: "entity_type"}, {Name: "entity_id"}, {Name: "transaction_id"},
		},
		DoNothing: true,
	}).Create(alert)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert alert: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RecentAlerts returns alerts emitted at or after since, oldest first. Used
// to reseed the dedup tracker on startup.
func (s *Store) RecentAlerts(ctx context.Context, since time.Time) ([]models.Alert, error) {
	var alerts []models.Alert
	err := s.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp ASC").
		Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read recent alerts: %w", err)
	}
	return alerts, nil
}

// CountAlerts returns the lifetime number of persisted alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Alert{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return count, nil
}

// CountTransactions returns the number of transactions in the feed table.
func (s *Store) CountTransactions(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// AlertFilter narrows alert queries. Zero fields are ignored.
type AlertFilter struct {
	Severity     models.Severity
	AlertType    models.AlertType
	EntityType   models.EntityType
	EntityID     string
	Acknowledged *bool
	Since        time.Time
	Until        time.Time
	Limit        int
}

func applyAlertFilter(q *gorm.DB, f AlertFilter) *gorm.DB {
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.AlertType != "" {
		q = q.Where("alert_type = ?", f.AlertType)
	}
	if f.EntityType != "" {
		q = q.Where("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	if f.Acknowledged != nil {
		q = q.Where("acknowledged = ?", *f.Acknowledged)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("timestamp < ?", f.Until)
	}
	return q
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error) {
	q := applyAlertFilter(s.db.WithContext(ctx).Model(&models.Alert{}), filter).
		Order("timestamp DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var alerts []models.Alert
	if err := q.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// AcknowledgeAlert marks one alert acknowledged with an audit trail. Already
// acknowledged alerts are returned unchanged; a missing id surfaces
// gorm.ErrRecordNotFound.
func (s *Store) AcknowledgeAlert(ctx context.Context, id uuid.UUID, by string) (*models.Alert, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Alert{}).
		Where("id = ? AND acknowledged = ?", id, false).
		Updates(map[string]interface{}{
			"acknowledged":    true,
			"acknowledged_by": by,
			"acknowledged_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", res.Error)
	}

	var alert models.Alert
	if err := s.db.WithContext(ctx).First(&alert, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

// AcknowledgeAll acknowledges every unacknowledged alert matching the filter
// and returns how many were updated.
func (s *Store) AcknowledgeAll(ctx context.Context, filter AlertFilter, by string) (int64, error) {
	filter.Acknowledged = nil
	res := applyAlertFilter(s.db.WithContext(ctx).Model(&models.Alert{}), filter).
		Where("acknowledged = ?", false).
		Updates(map[string]interface{}{
			"acknowledged":    true,
			"acknowledged_by": by,
			"acknowledged_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to acknowledge alerts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// AlertSummary aggregates the alert log by severity and rule family.
type AlertSummary struct {
	Total          int64                      `json:"total"`
	Unacknowledged int64                      `json:"unacknowledged"`
	BySeverity     map[models.Severity]int64  `json:"by_severity"`
	ByType         map[models.AlertType]int64 `json:"by_type"`
}

// Summary computes the alert summary over the whole log.
func (s *Store) Summary(ctx context.Context) (*AlertSummary, error) {
	summary := &AlertSummary{
		BySeverity: make(map[models.Severity]int64),
		ByType:     make(map[models.AlertType]int64),
	}

	if err := s.db.WithContext(ctx).Model(&models.Alert{}).Count(&summary.Total).Error; err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	err := s.db.WithContext(ctx).Model(&models.Alert{}).
		Where("acknowledged = ?", false).
		Count(&summary.Unacknowledged).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count unacknowledged alerts: %w", err)
	}

	var bySeverity []struct {
		Severity models.Severity
		Count    int64
	}
	err = s.db.WithContext(ctx).Model(&models.Alert{}).
		Select("severity, count(*) as count").
		Group("severity").
		Scan(&bySeverity).Error
	if err != nil {
		return nil, fmt.Errorf("failed to group alerts by severity: %w", err)
	}
	for _, row := range bySeverity {
		summary.BySeverity[row.Severity] = row.Count
	}

	var byType []struct {
		AlertType models.AlertType
		Count     int64
	}
	err = s.db.WithContext(ctx).Model(&models.Alert{}).
		Select("alert_type, count(*) as count").
		Group("alert_type").
		Scan(&byType).Error
	if err != nil {
		return nil, fmt.Errorf("failed to group alerts by type: %w", err)
	}
	for _, row := range byType {
		summary.ByType[row.AlertType] = row.Count
	}

	return summary, nil
}

// DeleteAcknowledgedBefore removes acknowledged alerts older than the cutoff
// and returns how many rows were deleted.
func (s *Store) DeleteAcknowledgedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("acknowledged = ? AND timestamp < ?", true, cutoff).
		Delete(&models.Alert{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete acknowledged alerts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// InsertSnapshot appends one metrics snapshot.
func (s *Store) InsertSnapshot(ctx context.Context, snapshot *models.RiskMetricsSnapshot) error {
	if err := s.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns snapshots at or after since, newest first.
func (s *Store) ListSnapshots(ctx context.Context, since time.Time, limit int) ([]models.RiskMetricsSnapshot, error) {
	q := s.db.WithContext(ctx).Model(&models.RiskMetricsSnapshot{})
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since)
	}
	q = q.Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var snaps []models.RiskMetricsSnapshot
	if err := q.Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snaps, nil
}
