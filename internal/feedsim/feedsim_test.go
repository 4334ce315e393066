package feedsim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/meridianfs/riskwatch/internal/store"
	"github.com/meridianfs/riskwatch/pkg/models"
)

func newTestSimulator(t *testing.T, seed int64) (*Simulator, *store.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	st := store.New(zap.NewNop(), db)
	return New(zap.NewNop(), st, DefaultProfile(), seed), st
}

func TestDefaultProfile(t *testing.T) {
	p := DefaultProfile()

	assert.Len(t, p.Symbols, 10)
	assert.Len(t, p.Clients, 20)
	assert.Equal(t, "CLIENT_001", p.Clients[0])
	assert.Equal(t, "CLIENT_020", p.Clients[19])
	assert.Equal(t, 2, p.BaseRate)
	assert.Equal(t, 10, p.SpikeRate)
	assert.InDelta(t, 0.05, p.SpikeChance, 1e-12)
	assert.InDelta(t, 0.02, p.AnomalyChance, 1e-12)
}

func TestGenerateWithinProfile(t *testing.T) {
	sim, _ := newTestSimulator(t, 1)
	p := DefaultProfile()

	prices := make(map[string]SymbolProfile, len(p.Symbols))
	for _, sp := range p.Symbols {
		prices[sp.Symbol] = sp
	}
	clients := make(map[string]bool, len(p.Clients))
	for _, c := range p.Clients {
		clients[c] = true
	}

	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		tx := sim.Generate(false, ts)

		sp, ok := prices[tx.Symbol]
		require.True(t, ok, "unknown symbol %s", tx.Symbol)
		price := tx.Price.InexactFloat64()
		assert.GreaterOrEqual(t, price, sp.MinPrice)
		assert.LessOrEqual(t, price, sp.MaxPrice)

		qty := tx.Quantity.IntPart()
		assert.GreaterOrEqual(t, qty, int64(p.MinQty))
		assert.LessOrEqual(t, qty, int64(p.MaxQty))

		assert.True(t, tx.TotalValue.Equal(tx.Price.Mul(tx.Quantity)),
			"total %s != price %s * qty %s", tx.TotalValue, tx.Price, tx.Quantity)
		assert.True(t, clients[tx.ClientID], "unknown client %s", tx.ClientID)
		assert.Contains(t, p.Brokers, tx.BrokerID)
		assert.Contains(t, p.Markets, tx.Market)
		assert.Contains(t, []models.Side{models.SideBuy, models.SideSell}, tx.Side)
		assert.Equal(t, ts, tx.Timestamp)
	}
}

func TestGenerateAnomalousQuantity(t *testing.T) {
	sim, _ := newTestSimulator(t, 2)
	p := DefaultProfile()
	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 50; i++ {
		tx := sim.Generate(true, ts)
		qty := tx.Quantity.IntPart()
		assert.GreaterOrEqual(t, qty, int64(p.AnomalyMinQty))
		assert.LessOrEqual(t, qty, int64(p.AnomalyMaxQty))
	}
}

func TestGenerateIsDeterministicPerSeed(t *testing.T) {
	simA, _ := newTestSimulator(t, 7)
	simB, _ := newTestSimulator(t, 7)
	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 20; i++ {
		a := simA.Generate(false, ts)
		b := simB.Generate(false, ts)
		assert.Equal(t, a.ClientID, b.ClientID)
		assert.Equal(t, a.Symbol, b.Symbol)
		assert.True(t, a.Price.Equal(b.Price))
		assert.True(t, a.Quantity.Equal(b.Quantity))
	}
}

func TestTickInsertsBatch(t *testing.T) {
	sim, st := newTestSimulator(t, 3)
	ctx := context.Background()

	require.NoError(t, sim.tick(ctx))

	count, err := st.CountTransactions(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(DefaultProfile().BaseRate))
	assert.Equal(t, count, sim.Count())

	txs, err := st.ReadTransactionsSince(ctx, models.FeedCursor{}, 100)
	require.NoError(t, err)
	require.NotEmpty(t, txs)
	assert.NotZero(t, txs[0].Timestamp)
	assert.NotEmpty(t, txs[0].ClientID)
}
