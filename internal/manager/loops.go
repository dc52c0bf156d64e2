package manager

import (
	"time"

	"go.uber.org/zap"
)

// ttlSweepLoop destroys documents whose TTL has passed, once per
// ttlSweepInterval, per spec §4.5. It never surfaces errors to clients;
// destroy's own store/hub failures are already logged internally.
func (m *Manager) ttlSweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(ttlSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	now := m.now()
	m.mu.Lock()
	expired := make([]string, 0)
	for id, doc := range m.docs {
		if doc.IsExpired(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.destroy(id)
		m.metrics.TTLExpirations.Inc()
	}
}

// compactorLoop consumes the flag queue populated by maybeEnqueueCompaction
// and runs compaction out-of-band, so an auto-compaction trigger never
// blocks the writer that crossed the threshold (spec §4.3/§4.5).
func (m *Manager) compactorLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case id := <-m.compactCh:
			doc, ok := m.lookup(id)
			if !ok {
				continue
			}
			if !doc.PopCompactionFlag() {
				continue
			}
			m.compactOne(doc)
			m.log.Debug("auto-compaction ran", zap.String("id", id))
		}
	}
}
