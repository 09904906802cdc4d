package registry_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"narrator/internal/registry"
	"narrator/internal/testsupport"
)

func TestProberProbesEachCapabilityIndependently(t *testing.T) {
	download := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "healthy"})
	}))
	defer download.Close()
	synthesis := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Slow endpoint; must not delay the download loop.
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"status": "healthy"})
	}))
	defer synthesis.Close()

	cfg := testsupport.NewConfig(t,
		testsupport.WithCapability("download", download.URL, true),
		testsupport.WithCapability("synthesis", synthesis.URL, true),
	)
	reg := registry.New(cfg, nil)
	prober := registry.NewProber(reg, nil)

	if err := prober.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer prober.Stop()

	// Wait for both records to turn healthy; the handlers responding is not
	// enough, the prober still has to publish the results.
	healthy := func(name string) bool {
		record, ok := reg.Get(name)
		return ok && record.Status == registry.StatusHealthy
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if healthy("download") && healthy("synthesis") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !healthy("download") || !healthy("synthesis") {
		t.Fatalf("capabilities never turned healthy: %#v", reg.Snapshot())
	}

	health := reg.SystemHealth()
	if !health.Healthy {
		t.Fatalf("expected healthy system after probes, got %#v", health)
	}
}

func TestProberStopTerminatesLoops(t *testing.T) {
	var probes atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"status": "healthy"})
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithCapability("download", server.URL, true))
	reg := registry.New(cfg, nil)
	prober := registry.NewProber(reg, nil)

	if err := prober.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for probes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	prober.Stop()

	settled := probes.Load()
	time.Sleep(50 * time.Millisecond)
	if probes.Load() != settled {
		t.Fatal("probe loop kept running after Stop")
	}

	// Stop is idempotent.
	prober.Stop()
}
