package manager

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// handleInfo implements INFO: a Redis-INFO-style multi-line bulk reply
// built from the live registry and the metrics counters, rather than a
// JSON blob (grounded on the teacher's NetworkStats/PeerInfo text-report
// shape in internal/network/network_manager.go).
func (m *Manager) handleInfo() Result {
	m.mu.Lock()
	documentsLive := len(m.docs)
	m.mu.Unlock()

	uptime := m.now().Sub(m.startedAt)

	var b strings.Builder
	fmt.Fprintf(&b, "documents_live:%d\r\n", documentsLive)
	fmt.Fprintf(&b, "subscribers_connected:%d\r\n", m.hub.ActiveSubscriberCount())
	fmt.Fprintf(&b, "mutations_applied:%d\r\n", counterValue(m.metrics.MutationsApplied))
	fmt.Fprintf(&b, "mutation_errors:%d\r\n", counterValue(m.metrics.MutationErrors))
	fmt.Fprintf(&b, "compactions_run:%d\r\n", counterValue(m.metrics.CompactionsRun))
	fmt.Fprintf(&b, "ttl_expirations:%d\r\n", counterValue(m.metrics.TTLExpirations))
	fmt.Fprintf(&b, "subscriber_queue_drops:%d\r\n", counterValue(m.metrics.SubscriberQueueDrops))
	fmt.Fprintf(&b, "store_failures:%d\r\n", counterValue(m.metrics.StoreFailures))
	fmt.Fprintf(&b, "uptime_seconds:%d\r\n", int64(uptime.Seconds()))
	return bulk([]byte(b.String()))
}

// counterValue reads a prometheus.Counter's current value without going
// through the registry scrape path, for embedding into INFO's text body.
func counterValue(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}
