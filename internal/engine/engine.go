// Package engine delivers internal orders unit by unit against the agent
// pool, persisting progress after every unit so a crash keeps partial
// credit.
package engine

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/boostd/internal/domain"
	"github.com/SirClappington/boostd/internal/pool"
	"github.com/SirClappington/boostd/internal/secrets"
)

const agentBatch = 20

var defaultComments = []string{
	"Love this!", "Amazing shot", "So good", "This is great", "Incredible",
}

type OrderStore interface {
	IncrementDelivered(ctx context.Context, id string) (bool, error)
}

type Registry interface {
	ListAvailable(ctx context.Context, n int) ([]domain.Agent, error)
	RecordUsage(ctx context.Context, agentID string, orderID *string, actionType string) error
}

type Engine struct {
	pool           Registry
	store          OrderStore
	actions        Capability
	box            *secrets.Box
	pacer          Pacer
	log            *zap.Logger
	maxConsecFails int
	comments       []string
}

func New(reg Registry, store OrderStore, actions Capability, box *secrets.Box, pacer Pacer, maxConsecFails int, log *zap.Logger) *Engine {
	return &Engine{
		pool:           reg,
		store:          store,
		actions:        actions,
		box:            box,
		pacer:          pacer,
		log:            log,
		maxConsecFails: maxConsecFails,
		comments:       defaultComments,
	}
}

// Execute drives the order's remaining quantity through the agent pool.
// Returning an error hands the order to the scheduler's retry path;
// whatever was delivered before the error stays recorded.
func (e *Engine) Execute(ctx context.Context, o *domain.Order) error {
	if !o.ServiceType.InternallyDeliverable() {
		return errors.Errorf("service %s has no internal delivery", o.ServiceType)
	}
	remaining := o.Remaining()
	if remaining == 0 {
		return nil
	}

	agents, err := e.fetchAgents(ctx, remaining)
	if err != nil {
		return err
	}

	consecFails := 0
	idx := 0
	delivered := 0
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "execution window closed")
		}
		if len(agents) == 0 {
			if agents, err = e.fetchAgents(ctx, remaining); err != nil {
				return err
			}
			if len(agents) == 0 {
				return errors.Errorf("agent capacity exhausted with %d units remaining", remaining)
			}
			idx = 0
		}
		a := agents[idx%len(agents)]

		// The budget unit is consumed before the action so an agent can
		// never act past its daily limit; a failed attempt still spends
		// its unit, since the platform saw the attempt either way.
		switch err := e.pool.RecordUsage(ctx, a.ID, &o.ID, string(o.ServiceType)); {
		case errors.Is(err, pool.ErrBudgetExhausted):
			agents = dropAgent(agents, a.ID)
			continue
		case err != nil:
			return err
		}

		if err := e.pacer.Wait(ctx, a.ID); err != nil {
			return errors.Wrap(err, "pacing wait")
		}
		if err := e.act(ctx, a, o, delivered); err != nil {
			consecFails++
			e.log.Warn("unit action failed",
				zap.String("order", o.ID),
				zap.String("agent", a.Handle),
				zap.Int("consecutive", consecFails),
				zap.Error(err))
			if consecFails >= e.maxConsecFails {
				return errors.Wrapf(err, "aborting after %d consecutive failures", consecFails)
			}
			idx++
			continue
		}
		consecFails = 0

		ok, err := e.store.IncrementDelivered(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "record delivered unit")
		}
		if !ok {
			// Requested already reached; stop rather than over-deliver.
			return nil
		}
		delivered++
		remaining--
		idx++
	}
	return nil
}

func (e *Engine) fetchAgents(ctx context.Context, remaining int) ([]domain.Agent, error) {
	n := remaining
	if n > agentBatch {
		n = agentBatch
	}
	agents, err := e.pool.ListAvailable(ctx, n)
	if err != nil {
		return nil, errors.Wrap(err, "list available agents")
	}
	return agents, nil
}

// act performs one unit action with the agent's transiently unsealed
// credential.
func (e *Engine) act(ctx context.Context, a domain.Agent, o *domain.Order, unit int) error {
	cred, err := e.box.Open(a.CredentialSealed)
	if err != nil {
		return errors.Wrap(err, "unseal credential")
	}
	s := Session{Handle: a.Handle, Credential: string(cred)}
	switch o.ServiceType {
	case domain.ServiceFollowers:
		return e.actions.Follow(ctx, s, o.TargetRef)
	case domain.ServiceLikes:
		return e.actions.Like(ctx, s, o.TargetRef)
	case domain.ServiceComments:
		return e.actions.Comment(ctx, s, o.TargetRef, e.comments[unit%len(e.comments)])
	}
	return errors.Errorf("service %s has no internal delivery", o.ServiceType)
}

func dropAgent(agents []domain.Agent, id string) []domain.Agent {
	out := agents[:0]
	for _, a := range agents {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}
