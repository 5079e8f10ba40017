package domain

import "time"

// Provider describes an external fulfillment API. Rank 1 is primary;
// failover goes from rank 1 to rank 2 and no further.
type Provider struct {
	ID           string
	Name         string
	BaseURL      string
	APIKeySealed []byte
	Active       bool
	Rank         int
	CreatedAt    time.Time
}

// AgentAction is one audit row appended per recorded agent action.
type AgentAction struct {
	ID         int64
	AgentID    string
	OrderID    *string
	ActionType string
	RecordedAt time.Time
}
