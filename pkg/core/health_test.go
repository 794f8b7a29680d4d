// SPDX-License-Identifier: Apache-2.0
package core

import (
	"context"
	"testing"
	"time"
)

func TestHealthRegistryAggregates(t *testing.T) {
	tests := []struct {
		name     string
		probes   map[string]bool
		critical bool
		expected HealthStatus
	}{
		{"all healthy", map[string]bool{"http": true, "retrieval": true}, false, HealthHealthy},
		{"non critical failure degrades", map[string]bool{"http": true, "messaging": false}, false, HealthDegraded},
		{"critical failure", map[string]bool{"store": false}, true, HealthUnhealthy},
		{"empty registry", nil, false, HealthHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewHealthRegistry(time.Second)
			for name, ok := range tt.probes {
				ok := ok
				reg.Register(name, BoolHealthChecker(func(context.Context) bool { return ok }, tt.critical))
			}
			results, overall := reg.CheckAll(context.Background())
			if overall != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, overall)
			}
			if len(results) != len(tt.probes) {
				t.Fatalf("expected %d results, got %d", len(tt.probes), len(results))
			}
			for i := 1; i < len(results); i++ {
				if results[i-1].Component > results[i].Component {
					t.Errorf("results not sorted: %v", results)
				}
			}
		})
	}
}

func TestHealthRegistryStampsComponent(t *testing.T) {
	reg := NewHealthRegistry(0)
	reg.Register("store", HealthCheckFunc(func(context.Context) HealthResult {
		return HealthResult{Status: HealthHealthy}
	}))
	results, _ := reg.CheckAll(context.Background())
	if len(results) != 1 || results[0].Component != "store" || results[0].LastCheck.IsZero() {
		t.Fatalf("unexpected result %+v", results)
	}
}
