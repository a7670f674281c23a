package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"chartcredits/internal/billing"
	"chartcredits/internal/model"
	"chartcredits/internal/service"
)

// maxWebhookBody caps the raw body read before signature verification.
const maxWebhookBody = 1 << 20

// EventVerifier authenticates a raw webhook body against its signature header.
type EventVerifier interface {
	Verify(payload []byte, header string) (model.PaymentEvent, error)
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	verifier EventVerifier
	svc      service.WebhookService
	balances service.BalanceReader
	db       Pinger
	log      *zap.Logger
}

func NewHandler(verifier EventVerifier, svc service.WebhookService, balances service.BalanceReader, db Pinger, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		verifier: verifier,
		svc:      svc,
		balances: balances,
		db:       db,
		log:      log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.log.Warn("health check: postgres unreachable", zap.Error(err))
			h.respondText(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	h.respondText(w, http.StatusOK, "OK")
}

// Webhook receives payment processor events. The processor only needs a 2xx
// to stop redelivering, so events that are valid but irrelevant are acknowledged.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.respondText(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondText(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large")
			return
		}
		h.log.Warn("webhook: failed to read body", zap.Error(err))
		h.respondText(w, http.StatusBadRequest, "Webhook Error: unreadable body")
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get(billing.SignatureHeader))
	if err != nil {
		h.log.Warn("webhook rejected", zap.Error(err))
		h.respondText(w, http.StatusBadRequest, "Webhook Error: "+err.Error())
		return
	}

	log := h.log.With(zap.String("event_id", event.ID), zap.String("event_type", event.RawType))

	out, err := h.svc.Handle(r.Context(), event)
	switch {
	case err == nil:
		log.Debug("webhook handled", zap.Bool("duplicate", out.Duplicate))
	case errors.Is(err, billing.ErrUnhandledEventType):
		log.Info("unhandled event type, acknowledging")
	case errors.Is(err, billing.ErrUserNotFound):
		log.Warn("no user for billing email, acknowledging without credit",
			zap.String("email", event.Email()),
			zap.Int64("amount_minor_units", event.AmountMinorUnits),
		)
	case errors.Is(err, billing.ErrAlreadyProcessed):
		log.Info("event already processed, acknowledging")
	case errors.Is(err, billing.ErrEventInFlight):
		log.Info("event is being processed by another delivery, asking for a retry")
		h.respondText(w, http.StatusServiceUnavailable, "event in flight")
		return
	case errors.Is(err, billing.ErrTransientStorage):
		log.Error("transient storage failure", zap.Error(err))
		h.respondText(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	default:
		log.Error("webhook handling failed", zap.Error(err))
		h.respondText(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		h.respondError(w, http.StatusBadRequest, "invalid_user_id")
		return
	}

	balance, err := h.balances.GetBalance(r.Context(), userID)
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrUserNotFound):
		h.respondError(w, http.StatusNotFound, "user_not_found")
		return
	case errors.Is(err, billing.ErrTransientStorage):
		h.log.Error("balance read failed", zap.Int64("user_id", userID), zap.Error(err))
		h.respondError(w, http.StatusServiceUnavailable, "temporarily_unavailable")
		return
	default:
		h.log.Error("balance read failed", zap.Int64("user_id", userID), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]int64{"user_id": userID, "credits": balance})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) respondText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, message)
}
