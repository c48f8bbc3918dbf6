package board

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saporito/orderdeck/internal/gateway"
	"github.com/saporito/orderdeck/internal/order"
	"github.com/saporito/orderdeck/internal/stream"
	"github.com/saporito/orderdeck/pkg/enums/orderstatus"
)

const keepaliveInterval = 30 * time.Second

type Handler struct {
	view   *View
	logger aqm.Logger
	tlm    *telemetry.HTTP
}

func NewHandler(view *View, logger aqm.Logger) *Handler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Handler{
		view:   view,
		logger: logger,
		tlm:    telemetry.NewHTTP(),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/board", func(r chi.Router) {
		r.Get("/", h.GetBoard)
		r.Get("/stream", h.Stream)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/advance", h.AdvanceOrder)
		r.Post("/orders/{id}/cancel", h.CancelOrder)
	})
}

func (h *Handler) log(r *http.Request) aqm.Logger {
	return h.logger.With("request_id", aqm.RequestIDFrom(r.Context()))
}

func (h *Handler) GetBoard(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetBoard")
	defer finish()

	aqm.Respond(w, http.StatusOK, h.view.Snapshot(), nil)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetOrder")
	defer finish()

	detail := h.view.Detail(chi.URLParam(r, "id"))
	if detail == nil {
		aqm.RespondError(w, http.StatusNotFound, "Order not found")
		return
	}

	aqm.Respond(w, http.StatusOK, detail, nil)
}

func (h *Handler) AdvanceOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.AdvanceOrder")
	defer finish()
	log := h.log(r)

	id := chi.URLParam(r, "id")
	if err := h.view.Advance(r.Context(), id); err != nil {
		h.respondMutationError(w, log, id, err)
		return
	}

	aqm.Respond(w, http.StatusOK, h.view.Detail(id), nil)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.CancelOrder")
	defer finish()
	log := h.log(r)

	id := chi.URLParam(r, "id")
	if err := h.view.Cancel(r.Context(), id); err != nil {
		h.respondMutationError(w, log, id, err)
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]string{"status": orderstatus.Statuses.Cancelled.Name}, nil)
}

func (h *Handler) respondMutationError(w http.ResponseWriter, log aqm.Logger, id string, err error) {
	switch {
	case errors.Is(err, order.ErrNotFound):
		aqm.RespondError(w, http.StatusNotFound, "Order not found")
	case errors.Is(err, orderstatus.ErrNoTransition):
		aqm.RespondError(w, http.StatusConflict, "No transition available from current status")
	case errors.Is(err, gateway.ErrUpdateInFlight):
		aqm.RespondError(w, http.StatusConflict, "Update already in progress")
	default:
		log.Errorf("cannot update order %s: %v", id, err)
		aqm.RespondError(w, http.StatusBadGateway, "Could not update order")
	}
}

// Stream pushes board updates to the browser as SSE.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	subscriberID := uuid.New().String()
	h.logger.Info("new board SSE connection", "subscriber_id", subscriberID)

	events := h.view.Fanout().Subscribe(subscriberID)
	defer h.view.Fanout().Unsubscribe(subscriberID)

	fmt.Fprintf(w, ": connected\n\n")
	fmt.Fprintf(w, "retry: 2000\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("board SSE client disconnected", "subscriber_id", subscriberID)
			return

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}

		case evt, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, evt)
		}
	}
}

func writeSSE(w http.ResponseWriter, evt stream.ViewEvent) {
	fmt.Fprintf(w, "event: %s\n", evt.Type)
	fmt.Fprintf(w, "data: %s\n\n", evt.Data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
