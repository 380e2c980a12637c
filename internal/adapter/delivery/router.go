package delivery

import (
	"context"
	"log/slog"
	"sync"

	"taskmill/internal/domain"
)

// Router dispatches a uniform delivery payload to the handler registered for
// the schedule's delivery method. The in-app session method is the default
// and needs no handler: the result already lives in the session transcript.
type Router struct {
	mu       sync.RWMutex
	handlers map[domain.DeliveryMethod]domain.DeliveryHandler
	logger   *slog.Logger
}

// NewRouter creates an empty delivery router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		handlers: make(map[domain.DeliveryMethod]domain.DeliveryHandler),
		logger:   logger,
	}
}

// Register adds (or replaces) the handler for its method.
func (r *Router) Register(h domain.DeliveryHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Method()] = h
}

// Dispatch routes the payload to the configured handler. Delivery is
// best-effort and decoupled from execution: the caller logs errors and the
// owning run is never failed or retried because of them.
func (r *Router) Dispatch(ctx context.Context, cfg domain.DeliveryConfig, p domain.DeliveryPayload) error {
	method := cfg.Method
	if method == "" || method == domain.DeliverSession {
		r.logger.Debug("in-app delivery only", "run_id", p.RunID)
		return nil
	}

	r.mu.RLock()
	handler, ok := r.handlers[method]
	r.mu.RUnlock()
	if !ok {
		return domain.NewDomainError("delivery.dispatch", domain.ErrHandlerNotFound, string(method))
	}

	if err := handler.Deliver(ctx, cfg, p); err != nil {
		return domain.NewDomainError("delivery.dispatch", domain.ErrDeliveryFailed, err.Error())
	}
	r.logger.Info("delivered run result", "run_id", p.RunID, "method", method)
	return nil
}
