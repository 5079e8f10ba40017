package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SirClappington/boostd/internal/domain"
)

func testPolicy() Policy {
	return Policy{
		Ratios:        map[domain.ServiceType]int{domain.ServiceFollowers: 50},
		InternalCaps:  map[domain.ServiceType]int{domain.ServiceFollowers: 5000},
		MinAgentFloor: 1,
		AbsoluteCap:   100000,
	}
}

func TestEvaluateDecisionTable(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name      string
		quantity  int
		available int
		want      Decision
	}{
		{"enough agents", 100, 3, Decision{Kind: Full}},
		{"exact fit", 150, 3, Decision{Kind: Full}},
		{"too few agents", 1000, 3, Decision{Kind: Partial, MaxQuantity: 150}},
		{"no agents", 100, 0, Decision{Kind: QueueOnly}},
		{"no agents large", 99999, 0, Decision{Kind: QueueOnly}},
		{"over internal cap", 6000, 200, Decision{Kind: QueueOnly}},
		{"over absolute cap", 100001, 5000, Decision{Kind: Reject}},
		{"zero quantity", 0, 3, Decision{Kind: Reject}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Evaluate(domain.ServiceFollowers, tt.quantity, tt.available))
		})
	}
}

func TestEvaluateFloorForcesPartial(t *testing.T) {
	p := testPolicy()
	p.MinAgentFloor = 3

	// 2 agents cover the quantity but sit under the floor.
	got := p.Evaluate(domain.ServiceFollowers, 60, 2)
	assert.Equal(t, Decision{Kind: Partial, MaxQuantity: 100}, got)
}

func TestEvaluateUnknownServiceDefaultsRatio(t *testing.T) {
	p := testPolicy()
	got := p.Evaluate(domain.ServiceComments, 2, 2)
	assert.Equal(t, Full, got.Kind)
}
