package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saporito/orderdeck/internal/backend"
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
	r.Route("/track/{id}", func(r chi.Router) {
		r.Post("/", h.StartTracking)
		r.Delete("/", h.StopTracking)
		r.Get("/", h.GetTimeline)
		r.Get("/stream", h.Stream)
	})
}

func (h *Handler) log(r *http.Request) aqm.Logger {
	return h.logger.With("request_id", aqm.RequestIDFrom(r.Context()))
}

func (h *Handler) StartTracking(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.StartTracking")
	defer finish()
	log := h.log(r)

	id := chi.URLParam(r, "id")
	timeline, err := h.view.Track(r.Context(), id)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			aqm.RespondError(w, http.StatusUnauthorized, "Not authorized")
			return
		}
		log.Errorf("cannot track order %s: %v", id, err)
		aqm.RespondError(w, http.StatusNotFound, "Order not found")
		return
	}

	aqm.Respond(w, http.StatusOK, timeline, nil)
}

func (h *Handler) StopTracking(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.StopTracking")
	defer finish()

	h.view.Untrack(chi.URLParam(r, "id"))
	aqm.Respond(w, http.StatusOK, map[string]string{"tracking": "stopped"}, nil)
}

func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetTimeline")
	defer finish()

	timeline := h.view.Timeline(chi.URLParam(r, "id"))
	if timeline == nil {
		aqm.RespondError(w, http.StatusNotFound, "Order not tracked")
		return
	}

	aqm.Respond(w, http.StatusOK, timeline, nil)
}

// Stream pushes timeline updates for one order. The shared fanout
// carries every tracked order, so events are filtered here before they
// reach the client.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if !h.view.IsTracked(orderID) {
		aqm.RespondError(w, http.StatusNotFound, "Order not tracked")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	subscriberID := uuid.New().String()
	h.logger.Info("new tracker SSE connection", "subscriber_id", subscriberID, "order_id", orderID)

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
			h.logger.Info("tracker SSE client disconnected", "subscriber_id", subscriberID)
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
			if !eventForOrder(evt.Data, orderID) {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", evt.Data)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

func eventForOrder(data []byte, orderID string) bool {
	var probe struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.OrderID == orderID
}
