package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/meridianfs/riskwatch/internal/config"
	"github.com/meridianfs/riskwatch/internal/store"
	"github.com/meridianfs/riskwatch/pkg/models"
)

type captureNotifier struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (c *captureNotifier) Notify(_ context.Context, alert *models.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func newTestConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			PollInterval:     10 * time.Millisecond,
			BatchSize:        100,
			Workers:          4,
			SnapshotInterval: time.Hour,
		},
		Risk: testRiskConfig(),
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *captureNotifier) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	st := store.New(zap.NewNop(), db)
	notifier := &captureNotifier{}
	return New(zap.NewNop(), newTestConfig(), st, notifier), st, notifier
}

func feedTx(ts time.Time, client, symbol string, value float64) models.Transaction {
	v := decimal.NewFromFloat(value)
	return models.Transaction{
		Timestamp:  ts,
		ClientID:   client,
		Symbol:     symbol,
		Side:       models.SideBuy,
		Quantity:   decimal.NewFromInt(1),
		Price:      v,
		TotalValue: v,
		BrokerID:   "BROKER_A",
		Market:     "NYSE",
	}
}

func TestPollProcessesBatchAndCommitsCursor(t *testing.T) {
	eng, st, notifier := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.InsertTransactions(ctx, []models.Transaction{
		feedTx(base, "CLIENT_001", "AAPL", 300_000),
		feedTx(base.Add(time.Second), "CLIENT_002", "MSFT", 100_000),
		feedTx(base.Add(2*time.Second), "CLIENT_001", "AAPL", 900_000),
	}))

	require.NoError(t, eng.Warmup(ctx))
	n, err := eng.pollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// cursor committed at the last transaction
	cursor, err := st.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor.LastTransactionID)
	assert.Equal(t, cursor, eng.Cursor())

	// exposures persisted alongside it
	clients, err := st.LoadClientExposures(ctx)
	require.NoError(t, err)
	byID := map[string]models.ClientExposure{}
	for _, c := range clients {
		byID[c.ClientID] = c
	}
	assert.Equal(t, "1200000", byID["CLIENT_001"].TotalExposure.String())
	assert.Equal(t, models.RiskCritical, byID["CLIENT_001"].RiskLevel)
	assert.Equal(t, "100000", byID["CLIENT_002"].TotalExposure.String())

	// both exposure alerts fire on the third transaction: CLIENT_001
	// LOW -> CRITICAL and AAPL MEDIUM -> CRITICAL
	count, err := st.CountAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, 2, notifier.count())

	// nothing left to read
	n, err = eng.pollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRestartRestoresStateAndBaselines(t *testing.T) {
	engA, st, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	var txs []models.Transaction
	for i := 0; i < 10; i++ {
		value := 95.0
		if i%2 == 1 {
			value = 105.0
		}
		txs = append(txs, feedTx(base.Add(time.Duration(i)*time.Second), fmt.Sprintf("CLIENT_%03d", i), "TSLA", value))
	}
	require.NoError(t, st.InsertTransactions(ctx, txs))

	require.NoError(t, engA.Warmup(ctx))
	_, err := engA.pollOnce(ctx)
	require.NoError(t, err)

	// a second engine over the same store sees identical state
	engB := New(zap.NewNop(), newTestConfig(), st, nil)
	require.NoError(t, engB.Warmup(ctx))
	assert.Equal(t, engA.Cursor(), engB.Cursor())

	wantClients := engA.Book().Clients()
	gotClients := engB.Book().Clients()
	require.Equal(t, len(wantClients), len(gotClients))

	// the reloaded anomaly baseline keeps scoring: an outlier after the
	// restart alerts exactly as it would have without one
	outlier := feedTx(base.Add(time.Minute), "CLIENT_020", "TSLA", 1000)
	require.NoError(t, st.InsertTransactions(ctx, []models.Transaction{outlier}))
	_, err = engB.pollOnce(ctx)
	require.NoError(t, err)

	alerts, err := st.ListAlerts(ctx, store.AlertFilter{AlertType: models.AlertAnomalyDetected})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "TSLA", alerts[0].EntityID)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
}

func TestEmitIsIdempotent(t *testing.T) {
	eng, st, notifier := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Warmup(ctx))

	alert := &models.Alert{
		Timestamp:      time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		AlertType:      models.AlertHighClientExposure,
		Severity:       models.SeverityCritical,
		EntityType:     models.EntityClient,
		EntityID:       "CLIENT_001",
		Message:        "exposure alert",
		ThresholdValue: decimal.NewFromInt(1_000_000),
		CurrentValue:   decimal.NewFromInt(1_200_000),
		TransactionID:  42,
	}
	require.NoError(t, eng.emit(ctx, alert))

	replay := *alert
	replay.ID = uuid.Nil
	require.NoError(t, eng.emit(ctx, &replay))

	count, err := st.CountAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	// the replayed emit is not re-notified
	assert.Equal(t, 1, notifier.count())
}

func TestMalformedTransactionSkippedCursorAdvances(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	bad := feedTx(base.Add(time.Second), "", "AAPL", 100) // missing client id
	require.NoError(t, st.InsertTransactions(ctx, []models.Transaction{
		feedTx(base, "CLIENT_001", "AAPL", 100),
		bad,
		feedTx(base.Add(2*time.Second), "CLIENT_002", "MSFT", 200),
	}))

	require.NoError(t, eng.Warmup(ctx))
	_, err := eng.pollOnce(ctx)
	require.NoError(t, err)

	cursor, err := st.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor.LastTransactionID)

	clients, err := st.LoadClientExposures(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 2)
}

func TestCommitFailureNeverDoubleAppliesExposure(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.InsertTransactions(ctx, []models.Transaction{
		feedTx(base, "CLIENT_001", "AAPL", 300_000),
	}))
	require.NoError(t, eng.Warmup(ctx))

	// break the cursor table so the batch commit rolls back after the
	// book has already been updated
	require.NoError(t, st.DB().Migrator().DropTable(&models.FeedCursor{}))
	_, err := eng.cycle(ctx)
	require.Error(t, err)

	// store still down: the cycle must fail on the rebuild, not poll the
	// same range into the dirty book
	_, err = eng.cycle(ctx)
	require.Error(t, err)

	// store heals; the replayed batch applies exactly once
	require.NoError(t, store.AutoMigrate(st.DB()))
	n, err := eng.cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exposure, ok := eng.Book().Client("CLIENT_001")
	require.True(t, ok)
	assert.Equal(t, "300000", exposure.TotalExposure.String())

	clients, err := st.LoadClientExposures(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "300000", clients[0].TotalExposure.String())

	cursor, err := st.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor.LastTransactionID)
}

func TestWaveEndPartitionsOnRepeatedKeys(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	txs := []models.Transaction{
		feedTx(base, "C1", "S1", 1),
		feedTx(base, "C2", "S2", 1),
		feedTx(base, "C1", "S3", 1), // repeats C1, seals the first wave
		feedTx(base, "C3", "S3", 1), // repeats S3, seals the second
		feedTx(base, "C1", "S4", 1),
	}

	assert.Equal(t, 2, waveEnd(txs, 0))
	assert.Equal(t, 3, waveEnd(txs, 2))
	// conflict tracking restarts per wave: keys from an earlier, already
	// sealed wave are free again
	assert.Equal(t, 5, waveEnd(txs, 3))
}

func TestWriteSnapshot(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.InsertTransactions(ctx, []models.Transaction{
		feedTx(base, "CLIENT_001", "AAPL", 900_000),
		feedTx(base.Add(time.Second), "CLIENT_002", "MSFT", 50_000),
	}))
	require.NoError(t, eng.Warmup(ctx))
	_, err := eng.pollOnce(ctx)
	require.NoError(t, err)

	require.NoError(t, eng.WriteSnapshot(ctx))

	snaps, err := st.ListSnapshots(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	snap := snaps[0]
	assert.Equal(t, int64(2), snap.TotalTransactions)
	assert.Equal(t, "950000", snap.TotalExposure.String())
	assert.Equal(t, int64(2), snap.ActiveClients)
	assert.Equal(t, int64(2), snap.ActiveSymbols)
	assert.Equal(t, int64(1), snap.HighRiskClients) // CLIENT_001 at 0.9
	assert.Equal(t, int64(1), snap.HighRiskSymbols) // AAPL at 1.8
	// client HIGH + symbol CRITICAL exposure alerts
	assert.Equal(t, int64(2), snap.AlertsGenerated)
}

func TestRunStopsOnCancel(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertTransactions(context.Background(), []models.Transaction{
		feedTx(base, "CLIENT_001", "AAPL", 100),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return eng.Cursor().LastTransactionID == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}
}
