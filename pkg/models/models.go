// Package models defines the records the risk engine reads and writes.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of a brokerage transaction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// RiskLevel classifies an exposure aggregate against its threshold.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank orders risk levels from LOW (0) to CRITICAL (3). Unknown levels rank
// below LOW so they never win a comparison.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities from LOW (0) to CRITICAL (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// SeverityForLevel maps a risk level onto the equivalent alert severity.
func SeverityForLevel(level RiskLevel) Severity {
	switch level {
	case RiskMedium:
		return SeverityMedium
	case RiskHigh:
		return SeverityHigh
	case RiskCritical:
		return SeverityCritical
	}
	return SeverityLow
}

// AlertType identifies the rule family that produced an alert.
type AlertType string

const (
	AlertHighClientExposure AlertType = "HIGH_CLIENT_EXPOSURE"
	AlertHighSymbolExposure AlertType = "HIGH_SYMBOL_EXPOSURE"
	AlertHighVelocity       AlertType = "HIGH_TRANSACTION_VELOCITY"
	AlertAnomalyDetected    AlertType = "ANOMALY_DETECTED"
	AlertEngineFailure      AlertType = "ENGINE_FAILURE"
)

// EntityType identifies what an alert is about.
type EntityType string

const (
	EntityClient EntityType = "CLIENT"
	EntitySymbol EntityType = "SYMBOL"
	EntitySystem EntityType = "SYSTEM"
)

// Transaction represents one immutable brokerage transaction record. The feed
// creates it; the engine only reads it.
type Transaction struct {
	ID         int64           `json:"id" gorm:"primaryKey;autoIncrement;index:idx_transactions_ts_id,priority:2"`
	Timestamp  time.Time       `json:"timestamp" gorm:"index:idx_transactions_ts_id,priority:1;not null" validate:"required"`
	ClientID   string          `json:"client_id" gorm:"index;not null" validate:"required,max=64"`
	Symbol     string          `json:"symbol" gorm:"index;not null" validate:"required,max=32"`
	Side       Side            `json:"side" gorm:"not null" validate:"required,oneof=BUY SELL"`
	Quantity   decimal.Decimal `json:"quantity" gorm:"type:decimal(20,8);not null" validate:"required"`
	Price      decimal.Decimal `json:"price" gorm:"type:decimal(20,8);not null" validate:"required"`
	TotalValue decimal.Decimal `json:"total_value" gorm:"type:decimal(20,8);not null" validate:"required"`
	BrokerID   string          `json:"broker_id" validate:"omitempty,max=64"`
	Market     string          `json:"market" validate:"omitempty,max=32"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ClientExposure represents the running exposure aggregate for one client.
type ClientExposure struct {
	ClientID      string          `json:"client_id" gorm:"primaryKey"`
	TotalExposure decimal.Decimal `json:"total_exposure" gorm:"type:decimal(20,8);not null"`
	PositionCount int64           `json:"position_count" gorm:"not null"`
	RiskLevel     RiskLevel       `json:"risk_level" gorm:"not null"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// SymbolExposure represents the running exposure aggregate for one symbol.
type SymbolExposure struct {
	Symbol           string          `json:"symbol" gorm:"primaryKey"`
	TotalExposure    decimal.Decimal `json:"total_exposure" gorm:"type:decimal(20,8);not null"`
	TransactionCount int64           `json:"transaction_count" gorm:"not null"`
	RiskLevel        RiskLevel       `json:"risk_level" gorm:"not null"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// Alert represents a persisted risk alert. The unique index over the rule
// family, entity and triggering transaction is the natural key that makes
// inserts idempotent under feed redelivery.
type Alert struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Timestamp      time.Time       `json:"timestamp" gorm:"index;not null"`
	AlertType      AlertType       `json:"alert_type" gorm:"uniqueIndex:idx_alerts_natural,priority:1;not null"`
	Severity       Severity        `json:"severity" gorm:"index;not null"`
	EntityType     EntityType      `json:"entity_type" gorm:"uniqueIndex:idx_alerts_natural,priority:2;not null"`
	EntityID       string          `json:"entity_id" gorm:"uniqueIndex:idx_alerts_natural,priority:3;not null"`
	Message        string          `json:"message"`
	ThresholdValue decimal.Decimal `json:"threshold_value" gorm:"type:decimal(20,8)"`
	CurrentValue   decimal.Decimal `json:"current_value" gorm:"type:decimal(20,8)"`
	TransactionID  int64           `json:"transaction_id" gorm:"uniqueIndex:idx_alerts_natural,priority:4"`
	Escalation     bool            `json:"escalation"`
	Acknowledged   bool            `json:"acknowledged" gorm:"index;default:false"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RiskMetricsSnapshot represents one point-in-time rollup of engine state.
type RiskMetricsSnapshot struct {
	ID                int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	Timestamp         time.Time       `json:"timestamp" gorm:"index;not null"`
	TotalTransactions int64           `json:"total_transactions"`
	TotalExposure     decimal.Decimal `json:"total_exposure" gorm:"type:decimal(20,8)"`
	ActiveClients     int64           `json:"active_clients"`
	ActiveSymbols     int64           `json:"active_symbols"`
	HighRiskClients   int64           `json:"high_risk_clients"`
	HighRiskSymbols   int64           `json:"high_risk_symbols"`
	AlertsGenerated   int64           `json:"alerts_generated"`
}

// ThresholdOverride represents a per-entity exposure threshold that replaces
// the configured default for that entity.
type ThresholdOverride struct {
	ID         int64           `json:"id" gorm:"primaryKey;autoIncrement"`
	EntityType EntityType      `json:"entity_type" gorm:"uniqueIndex:idx_threshold_entity,priority:1;not null"`
	EntityID   string          `json:"entity_id" gorm:"uniqueIndex:idx_threshold_entity,priority:2;not null"`
	Threshold  decimal.Decimal `json:"threshold" gorm:"type:decimal(20,8);not null"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// FeedCursor is the persisted high-watermark of the transaction feed. A single
// row; the engine commits it together with each processed batch.
type FeedCursor struct {
	ID                int64     `json:"id" gorm:"primaryKey"`
	LastTimestamp     time.Time `json:"last_timestamp"`
	LastTransactionID int64     `json:"last_transaction_id"`
	UpdatedAt         time.Time `json:"updated_at"`
}
