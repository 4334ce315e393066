// exposure.go: live per-client and per-symbol exposure aggregates.
package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/meridianfs/riskwatch/internal/config"
	"github.com/meridianfs/riskwatch/pkg/models"
)

type clientEntry struct {
	mu  sync.Mutex
	agg models.ClientExposure
}

type symbolEntry struct {
	mu  sync.Mutex
	agg models.SymbolExposure
}

// ClientUpdate is the outcome of applying one transaction to a client
// aggregate. Exposure is a copy taken under the entry lock, so the level
// transition it carries is consistent with the update itself.
type ClientUpdate struct {
	Exposure  models.ClientExposure
	PrevLevel models.RiskLevel
	Threshold decimal.Decimal
}

// SymbolUpdate is the outcome of applying one transaction to a symbol aggregate.
type SymbolUpdate struct {
	Exposure  models.SymbolExposure
	PrevLevel models.RiskLevel
	Threshold decimal.Decimal
}

// ExposureBook holds the live exposure aggregates. Each aggregate carries its
// own lock so updates for different entities never contend; the outer maps
// are locked only to create entries.
type ExposureBook struct {
	mu      sync.RWMutex // protects clients/symbols
	clients map[string]*clientEntry
	symbols map[string]*symbolEntry

	bands           config.RiskBands
	clientBase      decimal.Decimal
	symbolBase      decimal.Decimal
	clientOverrides map[string]decimal.Decimal
	symbolOverrides map[string]decimal.Decimal
}

// NewExposureBook creates a book classifying against the configured bands and
// thresholds. Per-entity overrides take precedence over the defaults.
func NewExposureBook(risk config.RiskConfig, overrides []models.ThresholdOverride) *ExposureBook {
	b := &ExposureBook{
		clients:         make(map[string]*clientEntry),
		symbols:         make(map[string]*symbolEntry),
		bands:           risk.Bands,
		clientBase:      decimal.NewFromFloat(risk.ClientExposureThreshold),
		symbolBase:      decimal.NewFromFloat(risk.SymbolExposureThreshold),
		clientOverrides: make(map[string]decimal.Decimal),
		symbolOverrides: make(map[string]decimal.Decimal),
	}
	for _, o := range overrides {
		switch o.EntityType {
		case models.EntityClient:
			b.clientOverrides[o.EntityID] = o.Threshold
		case models.EntitySymbol:
			b.symbolOverrides[o.EntityID] = o.Threshold
		}
	}
	return b
}

// ClientThreshold returns the alert threshold in force for a client.
func (b *ExposureBook) ClientThreshold(clientID string) decimal.Decimal {
	if t, ok := b.clientOverrides[clientID]; ok {
		return t
	}
	return b.clientBase
}

// SymbolThreshold returns the alert threshold in force for a symbol.
func (b *ExposureBook) SymbolThreshold(symbol string) decimal.Decimal {
	if t, ok := b.symbolOverrides[symbol]; ok {
		return t
	}
	return b.symbolBase
}

func (b *ExposureBook) classify(total, threshold decimal.Decimal) models.RiskLevel {
	if !threshold.IsPositive() {
		return models.RiskLow
	}
	ratio := total.Div(threshold).InexactFloat64()
	switch {
	case ratio >= b.bands.Critical:
		return models.RiskCritical
	case ratio >= b.bands.High:
		return models.RiskHigh
	case ratio >= b.bands.Medium:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func (b *ExposureBook) clientEntry(clientID string) *clientEntry {
	b.mu.RLock()
	e, ok := b.clients[clientID]
	b.mu.RUnlock()
	if ok {
		return e
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok = b.clients[clientID]; !ok {
		e = &clientEntry{agg: models.ClientExposure{ClientID: clientID, RiskLevel: models.RiskLow}}
		b.clients[clientID] = e
	}
	return e
}

func (b *ExposureBook) symbolEntry(symbol string) *symbolEntry {
	b.mu.RLock()
	e, ok := b.symbols[symbol]
	b.mu.RUnlock()
	if ok {
		return e
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok = b.symbols[symbol]; !ok {
		e = &symbolEntry{agg: models.SymbolExposure{Symbol: symbol, RiskLevel: models.RiskLow}}
		b.symbols[symbol] = e
	}
	return e
}

// Apply adds the transaction's total value to both aggregates, bumps the
// counts, reclassifies, and stamps LastUpdated with the transaction time.
// It returns the updated copies together with the pre-update levels.
func (b *ExposureBook) Apply(tx models.Transaction) (ClientUpdate, SymbolUpdate) {
	ct := b.ClientThreshold(tx.ClientID)
	ce := b.clientEntry(tx.ClientID)
	ce.mu.Lock()
	prevClient := ce.agg.RiskLevel
	ce.agg.TotalExposure = ce.agg.TotalExposure.Add(tx.TotalValue)
	ce.agg.PositionCount++
	ce.agg.RiskLevel = b.classify(ce.agg.TotalExposure, ct)
	ce.agg.LastUpdated = tx.Timestamp
	cu := ClientUpdate{Exposure: ce.agg, PrevLevel: prevClient, Threshold: ct}
	ce.mu.Unlock()

	st := b.SymbolThreshold(tx.Symbol)
	se := b.symbolEntry(tx.Symbol)
	se.mu.Lock()
	prevSymbol := se.agg.RiskLevel
	se.agg.TotalExposure = se.agg.TotalExposure.Add(tx.TotalValue)
	se.agg.TransactionCount++
	se.agg.RiskLevel = b.classify(se.agg.TotalExposure, st)
	se.agg.LastUpdated = tx.Timestamp
	su := SymbolUpdate{Exposure: se.agg, PrevLevel: prevSymbol, Threshold: st}
	se.mu.Unlock()

	return cu, su
}

// Warm loads persisted aggregates at startup. Levels are reclassified against
// the current thresholds rather than trusted from the stored rows.
func (b *ExposureBook) Warm(clients []models.ClientExposure, symbols []models.SymbolExposure) {
	for _, c := range clients {
		e := b.clientEntry(c.ClientID)
		e.mu.Lock()
		e.agg = c
		e.agg.RiskLevel = b.classify(c.TotalExposure, b.ClientThreshold(c.ClientID))
		e.mu.Unlock()
	}
	for _, s := range symbols {
		e := b.symbolEntry(s.Symbol)
		e.mu.Lock()
		e.agg = s
		e.agg.RiskLevel = b.classify(s.TotalExposure, b.SymbolThreshold(s.Symbol))
		e.mu.Unlock()
	}
}

// Clients returns copies of every client aggregate. The pass locks one entry
// at a time, so it observes a state consistent per entity without stalling
// concurrent updates.
func (b *ExposureBook) Clients() []models.ClientExposure {
	b.mu.RLock()
	entries := make([]*clientEntry, 0, len(b.clients))
	for _, e := range b.clients {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	out := make([]models.ClientExposure, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.agg)
		e.mu.Unlock()
	}
	return out
}

// Symbols returns copies of every symbol aggregate.
func (b *ExposureBook) Symbols() []models.SymbolExposure {
	b.mu.RLock()
	entries := make([]*symbolEntry, 0, len(b.symbols))
	for _, e := range b.symbols {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	out := make([]models.SymbolExposure, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.agg)
		e.mu.Unlock()
	}
	return out
}

// Client returns a copy of one client aggregate.
func (b *ExposureBook) Client(clientID string) (models.ClientExposure, bool) {
	b.mu.RLock()
	e, ok := b.clients[clientID]
	b.mu.RUnlock()
	if !ok {
		return models.ClientExposure{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agg, true
}

// Symbol returns a copy of one symbol aggregate.
func (b *ExposureBook) Symbol(symbol string) (models.SymbolExposure, bool) {
	b.mu.RLock()
	e, ok := b.symbols[symbol]
	b.mu.RUnlock()
	if !ok {
		return models.SymbolExposure{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agg, true
}
