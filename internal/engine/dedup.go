// dedup.go: alert suppression and escalation within a cooldown window.
package engine

import (
	"sync"
	"time"

	"github.com/meridianfs/riskwatch/pkg/models"
)

type dedupKey struct {
	Type   models.AlertType
	Entity string
}

type dedupEntry struct {
	last     time.Time
	severity models.Severity
}

// Deduper suppresses repeated alerts for the same (type, entity) key within
// a cooldown window. An alert with strictly higher severity than the last
// emitted one passes anyway and is flagged as an escalation.
type Deduper struct {
	mu       sync.Mutex
	cooldown time.Duration
	seen     map[dedupKey]dedupEntry
}

// NewDeduper creates a tracker with the given cooldown.
func NewDeduper(cooldown time.Duration) *Deduper {
	return &Deduper{
		cooldown: cooldown,
		seen:     make(map[dedupKey]dedupEntry),
	}
}

// Allow decides whether an alert for the key may be emitted at the given
// time. When it may, the key's record is updated in the same step, so the
// decision and the bookkeeping are atomic.
func (d *Deduper) Allow(alertType models.AlertType, entityID string, severity models.Severity, at time.Time) (emit, escalation bool) {
	key := dedupKey{Type: alertType, Entity: entityID}
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok := d.seen[key]
	if ok && at.Sub(prev.last) < d.cooldown {
		if severity.Rank() <= prev.severity.Rank() {
			return false, false
		}
		d.seen[key] = dedupEntry{last: at, severity: severity}
		return true, true
	}
	d.seen[key] = dedupEntry{last: at, severity: severity}
	return true, false
}

// Warm seeds the tracker from persisted alerts so cooldowns survive a
// restart. The newest alert per key wins.
func (d *Deduper) Warm(alerts []models.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range alerts {
		key := dedupKey{Type: a.AlertType, Entity: a.EntityID}
		prev, ok := d.seen[key]
		if !ok || a.Timestamp.After(prev.last) {
			d.seen[key] = dedupEntry{last: a.Timestamp, severity: a.Severity}
		}
	}
}
