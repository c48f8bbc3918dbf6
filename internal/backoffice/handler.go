package backoffice

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saporito/orderdeck/internal/gateway"
	"github.com/saporito/orderdeck/internal/order"
	"github.com/saporito/orderdeck/pkg/enums/orderstatus"
)

const (
	MaxBodyBytes      = 1 << 20
	keepaliveInterval = 30 * time.Second
	dateLayout        = "2006-01-02"
)

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
	r.Route("/admin/orders", func(r chi.Router) {
		r.Get("/", h.ListOrders)
		r.Get("/stream", h.Stream)
		r.Get("/{id}", h.GetOrder)
		r.Put("/{id}/status", h.SetStatus)
	})
}

func (h *Handler) log(r *http.Request) aqm.Logger {
	return h.logger.With("request_id", aqm.RequestIDFrom(r.Context()))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ListOrders")
	defer finish()

	q := Query{
		Status: r.URL.Query().Get("status"),
		Search: r.URL.Query().Get("q"),
	}

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		page, err := strconv.Atoi(pageStr)
		if err != nil || page < 1 {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid page")
			return
		}
		q.Page = page
	}

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		from, err := time.Parse(dateLayout, fromStr)
		if err != nil {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid from date")
			return
		}
		q.From = &from
	}

	if toStr := r.URL.Query().Get("to"); toStr != "" {
		to, err := time.Parse(dateLayout, toStr)
		if err != nil {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid to date")
			return
		}
		q.To = &to
	}

	aqm.Respond(w, http.StatusOK, h.view.List(q), nil)
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

func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.SetStatus")
	defer finish()
	log := h.log(r)

	id := chi.URLParam(r, "id")

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&body); err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Status == "" {
		aqm.RespondError(w, http.StatusBadRequest, "Missing status")
		return
	}

	if err := h.view.SetStatus(r.Context(), id, body.Status); err != nil {
		switch {
		case errors.Is(err, order.ErrNotFound):
			aqm.RespondError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, orderstatus.ErrNoTransition):
			aqm.RespondError(w, http.StatusConflict, "Transition not allowed from current status")
		case errors.Is(err, gateway.ErrUpdateInFlight):
			aqm.RespondError(w, http.StatusConflict, "Update already in progress")
		default:
			log.Errorf("cannot set status for order %s: %v", id, err)
			aqm.RespondError(w, http.StatusBadGateway, "Could not update order")
		}
		return
	}

	aqm.Respond(w, http.StatusOK, h.view.Detail(id), nil)
}

func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	subscriberID := uuid.New().String()
	h.logger.Info("new admin SSE connection", "subscriber_id", subscriberID)

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
			h.logger.Info("admin SSE client disconnected", "subscriber_id", subscriberID)
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
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", evt.Data)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}
