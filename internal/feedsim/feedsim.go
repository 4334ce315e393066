// Package feedsim generates a synthetic brokerage transaction feed with the
// market profile the risk rules are tuned for: a steady base rate, short
// bursts at a higher rate, and occasional outsized orders. It only writes
// transaction rows; exposure aggregates belong to the engine.
package feedsim

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfs/riskwatch/internal/store"
	"github.com/meridianfs/riskwatch/pkg/models"
)

// SymbolProfile bounds the uniform price range for one symbol.
type SymbolProfile struct {
	Symbol   string
	MinPrice float64
	MaxPrice float64
}

// Profile configures the generated market.
type Profile struct {
	Symbols []SymbolProfile
	Clients []string
	Brokers []string
	Markets []string

	BaseRate    int     // transactions per second
	SpikeRate   int     // transactions per second during a spike
	SpikeChance float64 // per-second probability of a spike

	MinQty, MaxQty               int
	AnomalyChance                float64 // per-transaction probability
	AnomalyMinQty, AnomalyMaxQty int
}

// DefaultProfile reproduces the brokerage feed the detection thresholds were
// tuned against: ten large caps, twenty clients, 2 tps with 10 tps spikes
// and a 2% share of outsized orders.
func DefaultProfile() Profile {
	clients := make([]string, 0, 20)
	for i := 1; i <= 20; i++ {
		clients = append(clients, fmt.Sprintf("CLIENT_%03d", i))
	}

	return Profile{
		Symbols: []SymbolProfile{
			{Symbol: "AAPL", MinPrice: 150, MaxPrice: 200},
			{Symbol: "GOOGL", MinPrice: 2500, MaxPrice: 2800},
			{Symbol: "MSFT", MinPrice: 300, MaxPrice: 350},
			{Symbol: "AMZN", MinPrice: 3000, MaxPrice: 3300},
			{Symbol: "TSLA", MinPrice: 200, MaxPrice: 250},
			{Symbol: "META", MinPrice: 250, MaxPrice: 300},
			{Symbol: "NVDA", MinPrice: 400, MaxPrice: 450},
			{Symbol: "JPM", MinPrice: 140, MaxPrice: 160},
			{Symbol: "V", MinPrice: 200, MaxPrice: 220},
			{Symbol: "JNJ", MinPrice: 150, MaxPrice: 170},
		},
		Clients:       clients,
		Brokers:       []string{"BROKER_A", "BROKER_B", "BROKER_C"},
		Markets:       []string{"NYSE", "NASDAQ", "AMEX"},
		BaseRate:      2,
		SpikeRate:     10,
		SpikeChance:   0.05,
		MinQty:        10,
		MaxQty:        1000,
		AnomalyChance: 0.02,
		AnomalyMinQty: 5000,
		AnomalyMaxQty: 10000,
	}
}

// Simulator writes generated transactions into the feed table.
type Simulator struct {
	logger  *zap.Logger
	store   *store.Store
	profile Profile
	rng     *rand.Rand
	count   atomic.Int64
}

// New creates a simulator. A zero seed picks one from the clock.
func New(logger *zap.Logger, st *store.Store, profile Profile, seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		logger:  logger,
		store:   st,
		profile: profile,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Count returns how many transactions have been inserted so far.
func (s *Simulator) Count() int64 {
	return s.count.Load()
}

// Generate produces one transaction stamped at ts. Anomalous transactions
// carry an order size far outside the normal range.
func (s *Simulator) Generate(anomaly bool, ts time.Time) models.Transaction {
	sym := s.profile.Symbols[s.rng.Intn(len(s.profile.Symbols))]
	price := decimal.NewFromFloat(sym.MinPrice + s.rng.Float64()*(sym.MaxPrice-sym.MinPrice)).Round(2)

	var qty int64
	if anomaly {
		qty = int64(s.profile.AnomalyMinQty + s.rng.Intn(s.profile.AnomalyMaxQty-s.profile.AnomalyMinQty+1))
	} else {
		qty = int64(s.profile.MinQty + s.rng.Intn(s.profile.MaxQty-s.profile.MinQty+1))
	}
	quantity := decimal.NewFromInt(qty)

	side := models.SideBuy
	if s.rng.Intn(2) == 1 {
		side = models.SideSell
	}

	return models.Transaction{
		Timestamp:  ts,
		ClientID:   s.profile.Clients[s.rng.Intn(len(s.profile.Clients))],
		Symbol:     sym.Symbol,
		Side:       side,
		Quantity:   quantity,
		Price:      price,
		TotalValue: price.Mul(quantity),
		BrokerID:   s.profile.Brokers[s.rng.Intn(len(s.profile.Brokers))],
		Market:     s.profile.Markets[s.rng.Intn(len(s.profile.Markets))],
	}
}

// Run inserts one batch per second until the context is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("feed simulator starting",
		zap.Int("base_rate", s.profile.BaseRate),
		zap.Int("spike_rate", s.profile.SpikeRate),
		zap.Int("symbols", len(s.profile.Symbols)),
		zap.Int("clients", len(s.profile.Clients)))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("feed simulator stopped",
				zap.Int64("transactions", s.count.Load()),
				zap.Duration("runtime", time.Since(start)))
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Warn("feed tick failed", zap.Error(err))
			}
		}
	}
}

func (s *Simulator) tick(ctx context.Context) error {
	rate := s.profile.BaseRate
	spike := s.rng.Float64() < s.profile.SpikeChance
	if spike {
		rate = s.profile.SpikeRate
	}

	now := time.Now().UTC()
	batch := make([]models.Transaction, 0, rate)
	anomalies := 0
	for i := 0; i < rate; i++ {
		anomaly := s.rng.Float64() < s.profile.AnomalyChance
		if anomaly {
			anomalies++
		}
		batch = append(batch, s.Generate(anomaly, now))
	}

	if err := s.store.InsertTransactions(ctx, batch); err != nil {
		return err
	}
	total := s.count.Add(int64(len(batch)))

	s.logger.Debug("feed batch inserted",
		zap.Int("count", len(batch)),
		zap.Bool("spike", spike),
		zap.Int("anomalies", anomalies),
		zap.Int64("total", total))
	return nil
}
