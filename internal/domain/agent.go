package domain

import "time"

type AgentClass string

const (
	ClassDedicated   AgentClass = "dedicated"
	ClassContributed AgentClass = "contributed"
	ClassPartner     AgentClass = "partner"
)

// Agent is an automation identity with a daily action budget. The
// credential is sealed at rest and only opened at execution time.
type Agent struct {
	ID               string
	Handle           string
	CredentialSealed []byte
	Active           bool
	Class            AgentClass
	ContributorID    *string
	DailyLimit       int
	DailyUsed        int
	LastUsedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BudgetLeft is the number of actions the agent may still perform today.
func (a *Agent) BudgetLeft() int {
	if left := a.DailyLimit - a.DailyUsed; left > 0 {
		return left
	}
	return 0
}

// PoolStats is the operational read model for the agent pool.
type PoolStats struct {
	TotalAgents   int
	ActiveAgents  int
	AvailableNow  int
	DailyLimitSum int
	DailyUsedSum  int
}
