// Package plan decides how much of an order the agent pool can absorb.
// Evaluation is pure so the router can re-run it whenever capacity moves.
package plan

import "github.com/SirClappington/boostd/internal/domain"

type Kind string

const (
	Full      Kind = "full"
	Partial   Kind = "partial"
	QueueOnly Kind = "queue_only"
	Reject    Kind = "reject"
)

// Decision is the capacity outcome. Capacity shortfalls are decisions, not
// errors: queueing and partial delivery are the common case.
type Decision struct {
	Kind Kind
	// MaxQuantity is the portion deliverable now; set for Partial.
	MaxQuantity int
}

// Policy holds the capacity knobs, all configuration-driven.
type Policy struct {
	// Ratios maps a service type to the units one agent can absorb.
	Ratios map[domain.ServiceType]int
	// InternalCaps bound what is eligible for internal handling at all.
	InternalCaps map[domain.ServiceType]int
	// MinAgentFloor is the global minimum pool size for a Full decision.
	MinAgentFloor int
	// AbsoluteCap rejects pathologically large requests outright.
	AbsoluteCap int
}

// Evaluate maps (service, quantity, available agents) to a decision.
func (p Policy) Evaluate(service domain.ServiceType, quantity, availableAgents int) Decision {
	if quantity <= 0 {
		return Decision{Kind: Reject}
	}
	if p.AbsoluteCap > 0 && quantity > p.AbsoluteCap {
		return Decision{Kind: Reject}
	}
	if cap, ok := p.InternalCaps[service]; ok && cap > 0 && quantity > cap {
		return Decision{Kind: QueueOnly}
	}
	if availableAgents <= 0 {
		return Decision{Kind: QueueOnly}
	}

	ratio := p.Ratios[service]
	if ratio <= 0 {
		ratio = 1
	}
	required := (quantity + ratio - 1) / ratio
	if availableAgents >= required && availableAgents >= p.MinAgentFloor {
		return Decision{Kind: Full}
	}
	return Decision{Kind: Partial, MaxQuantity: availableAgents * ratio}
}
