package intake

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/orderpipe/orderpipe/internal/event"
	"github.com/orderpipe/orderpipe/internal/httputil"
)

// Handler exposes the intake service over HTTP.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates the HTTP handler for order submission.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes wires the intake endpoint.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/order", h.SubmitOrder).Methods(http.MethodPost)
}

type submitRequest struct {
	Quantity int `json:"quantity"`
}

// SubmitOrder handles POST /api/order. 202 with the ack on success, 400 on
// validation failure, 503 when the broker refused the publish after
// retries (the caller may try again).
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ack, err := h.svc.Submit(r.Context(), req.Quantity)
	if err != nil {
		if errors.Is(err, event.ErrInvalidQuantity) {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("order submission failed", zap.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "order could not be accepted, please retry")
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, ack)
}
