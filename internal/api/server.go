// Package api exposes the pipeline to the surrounding CRUD layer: order
// submission, progress reads, admin overrides and operational stats.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/boostd/internal/domain"
	"github.com/SirClappington/boostd/internal/plan"
	"github.com/SirClappington/boostd/internal/queue"
	"github.com/SirClappington/boostd/internal/route"
	"github.com/SirClappington/boostd/internal/sched"
	"github.com/SirClappington/boostd/internal/secrets"
	"github.com/SirClappington/boostd/internal/storage"
)

type OrderStore interface {
	InsertOrder(ctx context.Context, p *storage.InsertOrderParams) (string, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	CancelOrders(ctx context.Context, ids []string) (int, error)
}

type AgentStore interface {
	InsertAgent(ctx context.Context, p *storage.InsertAgentParams) (string, error)
}

type OrderRouter interface {
	Route(ctx context.Context, service domain.ServiceType, quantity int) (domain.Path, plan.Decision, error)
	SubmitExternal(ctx context.Context, o *domain.Order) error
	CancelExternal(ctx context.Context, o *domain.Order) error
	RefillExternal(ctx context.Context, o *domain.Order) error
}

type Queuer interface {
	Enqueue(ctx context.Context, orderID string, priority int) error
	Status(ctx context.Context) (sched.Status, error)
}

type PoolReader interface {
	Stats(ctx context.Context) (domain.PoolStats, error)
}

type Server struct {
	Orders     OrderStore
	Agents     AgentStore
	Router     OrderRouter
	Sched      Queuer
	Pool       PoolReader
	Box        *secrets.Box
	AdminToken string
	Log        *zap.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Post("/v1/orders", s.submitOrder)
	r.Get("/v1/orders/{id}", s.orderProgress)
	r.Get("/v1/queue", s.queueStatus)
	r.Get("/v1/agents/stats", s.agentStats)

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/orders/retry", s.retryOrders)
		r.Post("/orders/cancel", s.cancelOrders)
		r.Post("/orders/refill", s.refillOrders)
		r.Post("/agents", s.registerAgent)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.AdminToken {
			writeErr(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	ServiceType string  `json:"service_type"`
	Quantity    int     `json:"quantity"`
	TargetRef   string  `json:"target_ref"`
	UnitPrice   float64 `json:"unit_price"`
	Priority    int     `json:"priority"`
}

type decisionBody struct {
	Kind        string `json:"kind"`
	DeliverNow  int    `json:"deliver_now,omitempty"`
	QueuedUnits int    `json:"queued_units,omitempty"`
}

type submitResponse struct {
	OrderID  string       `json:"order_id,omitempty"`
	Path     string       `json:"path,omitempty"`
	Decision decisionBody `json:"decision"`
}

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body")
		return
	}
	service := domain.ServiceType(req.ServiceType)
	if !service.Valid() || req.Quantity <= 0 || req.TargetRef == "" {
		writeErr(w, http.StatusBadRequest, "service_type, positive quantity and target_ref are required")
		return
	}
	priority := clampPriority(req.Priority)

	ctx := r.Context()
	path, decision, err := s.Router.Route(ctx, service, req.Quantity)
	if errors.Is(err, route.ErrNoPath) {
		writeErr(w, http.StatusServiceUnavailable, "no fulfillment path is enabled")
		return
	}
	if err != nil {
		s.Log.Error("route order", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "routing failed")
		return
	}
	if decision.Kind == plan.Reject {
		writeJSON(w, http.StatusUnprocessableEntity, submitResponse{
			Decision: decisionBody{Kind: string(plan.Reject)},
		})
		return
	}

	id, err := s.Orders.InsertOrder(ctx, &storage.InsertOrderParams{
		ServiceType: service,
		Requested:   req.Quantity,
		UnitPrice:   req.UnitPrice,
		TargetRef:   req.TargetRef,
		Priority:    priority,
		Path:        path,
	})
	if err != nil {
		s.Log.Error("insert order", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "could not persist order")
		return
	}

	if path == domain.PathInternal {
		if err := s.Sched.Enqueue(ctx, id, priority); err != nil {
			s.Log.Error("enqueue order", zap.String("order", id), zap.Error(err))
			writeErr(w, http.StatusInternalServerError, "could not enqueue order")
			return
		}
	} else {
		o := &domain.Order{ID: id, ServiceType: service, Requested: req.Quantity, TargetRef: req.TargetRef}
		if err := s.Router.SubmitExternal(ctx, o); err != nil {
			s.Log.Warn("external submission failed", zap.String("order", id), zap.Error(err))
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"order_id": id, "error": "external submission failed",
			})
			return
		}
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		OrderID:  id,
		Path:     string(path),
		Decision: decisionFor(decision, req.Quantity),
	})
}

// clampPriority keeps caller-supplied priority inside the range the queue
// score encoding can represent.
func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > queue.MaxPriority {
		return queue.MaxPriority
	}
	return p
}

// decisionFor shapes the alternatives the caller sees: how much lands now
// and how much waits in the queue.
func decisionFor(d plan.Decision, quantity int) decisionBody {
	switch d.Kind {
	case plan.Partial:
		return decisionBody{Kind: string(d.Kind), DeliverNow: d.MaxQuantity, QueuedUnits: quantity - d.MaxQuantity}
	case plan.QueueOnly:
		return decisionBody{Kind: string(d.Kind), QueuedUnits: quantity}
	default:
		return decisionBody{Kind: string(d.Kind), DeliverNow: quantity}
	}
}

func (s *Server) orderProgress(w http.ResponseWriter, r *http.Request) {
	o, err := s.Orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.Log.Error("get order", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "could not load order")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":  o.ID,
		"status":    o.Status,
		"delivered": o.Delivered,
		"requested": o.Requested,
	})
}

type idsRequest struct {
	OrderIDs []string `json:"order_ids"`
}

// retryOrders clones each failed order's undelivered remainder into a
// fresh order. The failed row stays terminal; history is never rewritten.
func (s *Server) retryOrders(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.OrderIDs) == 0 {
		writeErr(w, http.StatusBadRequest, "order_ids required")
		return
	}
	ctx := r.Context()
	retried := make(map[string]string)
	for _, id := range req.OrderIDs {
		o, err := s.Orders.GetOrder(ctx, id)
		if err != nil || o.Status != domain.StatusFailed || o.Remaining() == 0 {
			continue
		}
		path, decision, err := s.Router.Route(ctx, o.ServiceType, o.Remaining())
		if err != nil || decision.Kind == plan.Reject {
			continue
		}
		src := o.ID
		newID, err := s.Orders.InsertOrder(ctx, &storage.InsertOrderParams{
			ServiceType: o.ServiceType,
			Requested:   o.Remaining(),
			UnitPrice:   o.UnitPrice,
			TargetRef:   o.TargetRef,
			Priority:    o.Priority,
			Path:        path,
			RetryOf:     &src,
		})
		if err != nil {
			s.Log.Error("insert retry order", zap.String("order", id), zap.Error(err))
			continue
		}
		if path == domain.PathInternal {
			if err := s.Sched.Enqueue(ctx, newID, o.Priority); err != nil {
				s.Log.Error("enqueue retry order", zap.String("order", newID), zap.Error(err))
				continue
			}
		} else {
			clone := &domain.Order{ID: newID, ServiceType: o.ServiceType, Requested: o.Remaining(), TargetRef: o.TargetRef}
			if err := s.Router.SubmitExternal(ctx, clone); err != nil {
				s.Log.Warn("retry external submission failed", zap.String("order", newID), zap.Error(err))
				continue
			}
		}
		retried[id] = newID
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": retried})
}

func (s *Server) cancelOrders(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.OrderIDs) == 0 {
		writeErr(w, http.StatusBadRequest, "order_ids required")
		return
	}
	ctx := r.Context()
	// Best-effort provider-side cancel before the local transition; a
	// provider that cannot cancel just keeps delivering until reconciled.
	for _, id := range req.OrderIDs {
		o, err := s.Orders.GetOrder(ctx, id)
		if err != nil || o.Path != domain.PathExternal || o.Status != domain.StatusProcessing {
			continue
		}
		if err := s.Router.CancelExternal(ctx, o); err != nil {
			s.Log.Warn("provider cancel failed", zap.String("order", id), zap.Error(err))
		}
	}
	n, err := s.Orders.CancelOrders(ctx, req.OrderIDs)
	if err != nil {
		s.Log.Error("cancel orders", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "could not cancel orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"canceled": n})
}

// refillOrders forwards a refill request to the provider for external
// orders whose delivered units later dropped.
func (s *Server) refillOrders(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.OrderIDs) == 0 {
		writeErr(w, http.StatusBadRequest, "order_ids required")
		return
	}
	ctx := r.Context()
	refilled := make([]string, 0, len(req.OrderIDs))
	for _, id := range req.OrderIDs {
		o, err := s.Orders.GetOrder(ctx, id)
		if err != nil || o.Path != domain.PathExternal || o.ExternalOrderID == nil {
			continue
		}
		if err := s.Router.RefillExternal(ctx, o); err != nil {
			s.Log.Warn("provider refill failed", zap.String("order", id), zap.Error(err))
			continue
		}
		refilled = append(refilled, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"refilled": refilled})
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Sched.Status(r.Context())
	if err != nil {
		s.Log.Error("queue status", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "could not read queue")
		return
	}
	body := map[string]any{"length": st.Length, "processing": st.Processing}
	if st.Head != nil {
		body["head"] = headBody(st.Head)
	}
	writeJSON(w, http.StatusOK, body)
}

func headBody(e *queue.Entry) map[string]any {
	return map[string]any{
		"order_id":    e.OrderID,
		"priority":    e.Priority,
		"retry_count": e.RetryCount,
	}
}

func (s *Server) agentStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Pool.Stats(r.Context())
	if err != nil {
		s.Log.Error("agent stats", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "could not read pool stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"total":           st.TotalAgents,
		"active":          st.ActiveAgents,
		"available_now":   st.AvailableNow,
		"daily_limit_sum": st.DailyLimitSum,
		"daily_used_sum":  st.DailyUsedSum,
	})
}

type registerAgentRequest struct {
	Handle        string `json:"handle"`
	Credential    string `json:"credential"`
	Class         string `json:"class"`
	DailyLimit    int    `json:"daily_limit"`
	ContributorID string `json:"contributor_id"`
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.Handle == "" || req.Credential == "" || req.DailyLimit <= 0 {
		writeErr(w, http.StatusBadRequest, "handle, credential and positive daily_limit are required")
		return
	}
	class := domain.AgentClass(req.Class)
	if class == "" {
		class = domain.ClassDedicated
	}
	sealed, err := s.Box.Seal([]byte(req.Credential))
	if err != nil {
		s.Log.Error("seal credential", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "could not seal credential")
		return
	}
	var contributor *string
	if req.ContributorID != "" {
		contributor = &req.ContributorID
	}
	id, err := s.Agents.InsertAgent(r.Context(), &storage.InsertAgentParams{
		Handle:           req.Handle,
		CredentialSealed: sealed,
		Class:            class,
		ContributorID:    contributor,
		DailyLimit:       req.DailyLimit,
	})
	if err != nil {
		s.Log.Error("insert agent", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "could not register agent")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"agent_id": id})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
