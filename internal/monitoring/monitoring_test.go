package monitoring

import (
	"testing"
)

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics()
	if metrics == nil {
		t.Fatal("Expected Metrics, got nil")
	}

	// Test that all metrics are initialized
	if metrics.DocumentsCreated == nil {
		t.Error("Expected DocumentsCreated to be initialized")
	}
	if metrics.DocumentsDestroyed == nil {
		t.Error("Expected DocumentsDestroyed to be initialized")
	}
	if metrics.MutationsApplied == nil {
		t.Error("Expected MutationsApplied to be initialized")
	}
	if metrics.MutationErrors == nil {
		t.Error("Expected MutationErrors to be initialized")
	}
	if metrics.DispatchLatency == nil {
		t.Error("Expected DispatchLatency to be initialized")
	}
	if metrics.CompactionsRun == nil {
		t.Error("Expected CompactionsRun to be initialized")
	}
	if metrics.TTLExpirations == nil {
		t.Error("Expected TTLExpirations to be initialized")
	}
	if metrics.SubscriberQueueDrops == nil {
		t.Error("Expected SubscriberQueueDrops to be initialized")
	}
	if metrics.ActiveSubscribers == nil {
		t.Error("Expected ActiveSubscribers to be initialized")
	}
	if metrics.ActiveConnections == nil {
		t.Error("Expected ActiveConnections to be initialized")
	}
	if metrics.StoreFailures == nil {
		t.Error("Expected StoreFailures to be initialized")
	}
	if metrics.StateSizeBytes == nil {
		t.Error("Expected StateSizeBytes to be initialized")
	}
}

func TestNewMetricsIndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	if a.Registry == b.Registry {
		t.Error("Expected independent Metrics instances to own independent registries")
	}
}
