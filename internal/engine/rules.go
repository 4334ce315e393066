// rules.go: rule evaluation and alert construction for one transaction.
package engine

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/meridianfs/riskwatch/internal/config"
	"github.com/meridianfs/riskwatch/pkg/metrics"
	"github.com/meridianfs/riskwatch/pkg/models"
)

// Anomaly scores at or beyond this magnitude escalate from HIGH to CRITICAL.
const anomalyCriticalScore = 5.0

// Evaluator applies the rule families to each transaction in a fixed order:
// client exposure, symbol exposure, velocity, anomaly. Each family decides
// trigger/no-trigger on its own; candidates then pass through deduplication.
type Evaluator struct {
	risk     config.RiskConfig
	book     *ExposureBook
	velocity *VelocityTracker
	anomaly  *AnomalyDetector
	dedup    *Deduper
}

// NewEvaluator wires the rule families over shared aggregate state.
func NewEvaluator(risk config.RiskConfig, book *ExposureBook, velocity *VelocityTracker, anomaly *AnomalyDetector, dedup *Deduper) *Evaluator {
	return &Evaluator{
		risk:     risk,
		book:     book,
		velocity: velocity,
		anomaly:  anomaly,
		dedup:    dedup,
	}
}

// Evaluate updates all aggregate state for the transaction and returns the
// alerts that triggered and survived deduplication, in rule order.
func (e *Evaluator) Evaluate(tx models.Transaction) []*models.Alert {
	candidates := make([]*models.Alert, 0, 4)

	clientUpd, symbolUpd := e.book.Apply(tx)
	if a := e.clientExposureAlert(tx, clientUpd); a != nil {
		candidates = append(candidates, a)
	}
	if a := e.symbolExposureAlert(tx, symbolUpd); a != nil {
		candidates = append(candidates, a)
	}

	count := e.velocity.Record(tx.ClientID, tx.Timestamp)
	if a := e.velocityAlert(tx, count); a != nil {
		candidates = append(candidates, a)
	}

	value := tx.TotalValue.InexactFloat64()
	if score, ok := e.anomaly.Score(tx.Symbol, value); ok {
		if a := e.anomalyAlert(tx, score); a != nil {
			candidates = append(candidates, a)
		}
	}
	// the triggering value still shapes future baselines
	e.anomaly.Observe(tx.Symbol, value)

	emitted := candidates[:0]
	for _, a := range candidates {
		emit, escalation := e.dedup.Allow(a.AlertType, a.EntityID, a.Severity, a.Timestamp)
		if !emit {
			metrics.AlertsSuppressed.WithLabelValues(string(a.AlertType)).Inc()
			continue
		}
		a.Escalation = escalation
		emitted = append(emitted, a)
	}
	return emitted
}

// exposureTriggered reports an upward transition into HIGH or CRITICAL.
// Moves within a band or downward never alert.
func exposureTriggered(prev, next models.RiskLevel) bool {
	return next.Rank() >= models.RiskHigh.Rank() && next.Rank() > prev.Rank()
}

func (e *Evaluator) clientExposureAlert(tx models.Transaction, upd ClientUpdate) *models.Alert {
	if !exposureTriggered(upd.PrevLevel, upd.Exposure.RiskLevel) {
		return nil
	}
	return &models.Alert{
		Timestamp:  tx.Timestamp,
		AlertType:  models.AlertHighClientExposure,
		Severity:   models.SeverityForLevel(upd.Exposure.RiskLevel),
		EntityType: models.EntityClient,
		EntityID:   tx.ClientID,
		Message: fmt.Sprintf("Client %s exposure $%s crossed into %s (threshold $%s)",
			tx.ClientID, upd.Exposure.TotalExposure.StringFixed(2), upd.Exposure.RiskLevel, upd.Threshold.StringFixed(2)),
		ThresholdValue: upd.Threshold,
		CurrentValue:   upd.Exposure.TotalExposure,
		TransactionID:  tx.ID,
	}
}

func (e *Evaluator) symbolExposureAlert(tx models.Transaction, upd SymbolUpdate) *models.Alert {
	if !exposureTriggered(upd.PrevLevel, upd.Exposure.RiskLevel) {
		return nil
	}
	return &models.Alert{
		Timestamp:  tx.Timestamp,
		AlertType:  models.AlertHighSymbolExposure,
		Severity:   models.SeverityForLevel(upd.Exposure.RiskLevel),
		EntityType: models.EntitySymbol,
		EntityID:   tx.Symbol,
		Message: fmt.Sprintf("Symbol %s exposure $%s crossed into %s (threshold $%s)",
			tx.Symbol, upd.Exposure.TotalExposure.StringFixed(2), upd.Exposure.RiskLevel, upd.Threshold.StringFixed(2)),
		ThresholdValue: upd.Threshold,
		CurrentValue:   upd.Exposure.TotalExposure,
		TransactionID:  tx.ID,
	}
}

func (e *Evaluator) velocityAlert(tx models.Transaction, count int) *models.Alert {
	threshold := e.risk.VelocityThreshold
	if count <= threshold {
		return nil
	}
	severity := models.SeverityMedium
	if count > 2*threshold {
		severity = models.SeverityHigh
	}
	return &models.Alert{
		Timestamp:  tx.Timestamp,
		AlertType:  models.AlertHighVelocity,
		Severity:   severity,
		EntityType: models.EntityClient,
		EntityID:   tx.ClientID,
		Message: fmt.Sprintf("Client %s has %d transactions in last %ds (threshold: %d)",
			tx.ClientID, count, int(e.risk.VelocityWindow.Seconds()), threshold),
		ThresholdValue: decimal.NewFromInt(int64(threshold)),
		CurrentValue:   decimal.NewFromInt(int64(count)),
		TransactionID:  tx.ID,
	}
}

func (e *Evaluator) anomalyAlert(tx models.Transaction, score Score) *models.Alert {
	abs := math.Abs(score.Z)
	if abs <= e.risk.AnomalyThreshold {
		return nil
	}
	severity := models.SeverityHigh
	if abs >= anomalyCriticalScore {
		severity = models.SeverityCritical
	}
	return &models.Alert{
		Timestamp:  tx.Timestamp,
		AlertType:  models.AlertAnomalyDetected,
		Severity:   severity,
		EntityType: models.EntitySymbol,
		EntityID:   tx.Symbol,
		Message: fmt.Sprintf("Anomalous transaction value $%s on %s (z-score: %.2f, mean: $%.2f, std: $%.2f)",
			tx.TotalValue.StringFixed(2), tx.Symbol, score.Z, score.Mean, score.StdDev),
		ThresholdValue: decimal.NewFromFloat(score.Mean + e.risk.AnomalyThreshold*score.StdDev),
		CurrentValue:   tx.TotalValue,
		TransactionID:  tx.ID,
	}
}
