// Package httpapi exposes the marketplace, the paywall and the agent over
// HTTP, server-sent events and websockets.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/infomart/internal/app"
	"github.com/R3E-Network/infomart/internal/app/metrics"
	"github.com/R3E-Network/infomart/internal/app/services/agent"
	"github.com/R3E-Network/infomart/internal/app/services/budget"
	"github.com/R3E-Network/infomart/internal/app/services/feeds"
	marketsvc "github.com/R3E-Network/infomart/internal/app/services/market"
	"github.com/R3E-Network/infomart/internal/app/services/payment"
	"github.com/R3E-Network/infomart/internal/app/storage"
	svcerrors "github.com/R3E-Network/infomart/internal/errors"
	"github.com/R3E-Network/infomart/internal/httputil"
	"github.com/R3E-Network/infomart/internal/middleware"
	"github.com/R3E-Network/infomart/pkg/logger"
)

const (
	serviceName    = "InfoMart"
	serviceVersion = "3.0.0"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app       *app.Application
	log       *logger.Logger
	cors      *middleware.CORSMiddleware
	started   time.Time
	heartbeat time.Duration
}

// Option adjusts the handler.
type Option func(*handler)

// WithLogger sets the request logger.
func WithLogger(log *logger.Logger) Option {
	return func(h *handler) { h.log = log }
}

// WithHeartbeat sets the keep-alive interval of event streams.
func WithHeartbeat(d time.Duration) Option {
	return func(h *handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewHandler returns the router exposing the API, wrapped in the tracing,
// CORS and rate limiting middleware.
func NewHandler(application *app.Application, opts ...Option) http.Handler {
	h := &handler{
		app:       application,
		started:   time.Now(),
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logger.NewDefault("httpapi")
	}
	h.cors = middleware.NewCORSMiddleware(application.Config.HTTP.CORSOrigins)

	r := mux.NewRouter()
	r.Use(metrics.InstrumentHandler)
	r.Use(middleware.NewPaymentTokens(h.log.Named("paywall")).Handler)

	r.HandleFunc("/publish", h.publish).Methods(http.MethodPost)
	r.HandleFunc("/products", h.products).Methods(http.MethodGet)
	r.HandleFunc("/products/agent", h.productsForAgent).Methods(http.MethodGet)
	r.HandleFunc("/product/{id}", h.product).Methods(http.MethodGet)
	r.HandleFunc("/product/{id}/buy", h.buy).Methods(http.MethodGet)
	r.HandleFunc("/product/{id}/rate", h.rate).Methods(http.MethodPost)
	r.HandleFunc("/product/{id}/record-sale", h.recordSale).Methods(http.MethodPost)
	r.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	r.HandleFunc("/treasury", h.treasury).Methods(http.MethodGet)

	r.HandleFunc("/stream", h.marketStream).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.marketSocket).Methods(http.MethodGet)

	r.HandleFunc("/vendors", h.vendors).Methods(http.MethodGet)
	r.HandleFunc("/vendor/{id}", h.vendor).Methods(http.MethodGet)
	r.HandleFunc("/wallets/{id}", h.wallet).Methods(http.MethodGet)
	r.HandleFunc("/wallets/{id}/pay", h.pay).Methods(http.MethodPost)

	r.HandleFunc("/chat", h.chat).Methods(http.MethodPost)
	r.HandleFunc("/sessions", h.sessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", h.session).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/cancel", h.cancelSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/stream", h.sessionStream).Methods(http.MethodGet)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteServiceError(w, r, svcerrors.NotFound("route"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, string(svcerrors.CodeInvalidRequest), "method not allowed", nil)
	})

	var out http.Handler = r
	out = application.RateLimiter.Handler(out)
	out = h.cors.Handler(out)
	out = middleware.NewTracingMiddleware(h.log).Handler(out)
	return out
}

// writeError maps domain errors onto the service error taxonomy.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := svcerrors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = classify(r, err)
	}
	if serviceErr.HTTPStatus >= http.StatusInternalServerError {
		h.log.WithContext(r.Context()).WithError(err).Error("request failed")
	}
	httputil.WriteServiceError(w, r, serviceErr)
}

func classify(r *http.Request, err error) *svcerrors.ServiceError {
	switch {
	case errors.Is(err, marketsvc.ErrNotFound):
		return svcerrors.ProductNotFound(mux.Vars(r)["id"])
	case errors.Is(err, marketsvc.ErrValidation):
		return svcerrors.Validation(err.Error(), err)
	case errors.Is(err, marketsvc.ErrDuplicateReceipt):
		return svcerrors.Conflict("receipt already settled", err)
	case errors.Is(err, budget.ErrSessionNotFound), errors.Is(err, agent.ErrNoSession):
		return svcerrors.SessionNotFound(mux.Vars(r)["id"])
	case errors.Is(err, budget.ErrSessionClosed):
		return svcerrors.Conflict("session is closed", err)
	case errors.Is(err, budget.ErrInvalidAmount):
		return svcerrors.Validation(err.Error(), err)
	case errors.Is(err, budget.ErrInsufficientBudget):
		return svcerrors.InsufficientBudget(err)
	case errors.Is(err, storage.ErrAlreadyExists):
		return svcerrors.Conflict("resource already exists", err)
	case errors.Is(err, feeds.ErrVendorNotFound):
		return svcerrors.NotFound("vendor")
	case errors.Is(err, payment.ErrInvalidToken), errors.Is(err, payment.ErrTokenReplayed),
		errors.Is(err, payment.ErrResourceMismatch), errors.Is(err, payment.ErrUnderpaid):
		return svcerrors.PaymentFailed(err).WithDetails("reason", err.Error())
	case payment.IsDenied(err):
		return svcerrors.PaymentFailed(err).WithDetails("reason", err.Error())
	default:
		return svcerrors.Internal("internal error", err)
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := httputil.DecodeJSON(r.Body, dst); err != nil {
		return svcerrors.InvalidRequest(err.Error())
	}
	return nil
}
