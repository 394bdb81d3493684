package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"alertdesk/internal/event"
	"alertdesk/internal/poller"
	"alertdesk/internal/runtime/supervisor"
	"alertdesk/internal/source"
	"alertdesk/internal/storage"
	logx "alertdesk/pkg/logx"
)

const (
	maxBatchBytes = 1 << 20
	maxBatchItems = 1000
)

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError sends {"error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// ProcessMessages runs one polling tick and reports its summary.
func (h *Handler) ProcessMessages(w http.ResponseWriter, r *http.Request) {
	res, err := h.d.Trigger.RunOnce(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res.Summary)
	case errors.Is(err, poller.ErrTickInFlight), errors.Is(err, poller.ErrLockHeld):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, source.ErrSourceUnavailable):
		h.log.Warn("triggered tick: source unavailable", logx.Err(err))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.log.Error("triggered tick failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type cancellationItem struct {
	ChatID    int64            `json:"chat_id" validate:"required"`
	ChatName  string           `json:"chat_name" validate:"max=256"`
	Message   string           `json:"message" validate:"required"`
	Timestamp int64            `json:"timestamp" validate:"gte=0"`
	MessageID event.ExternalID `json:"message_id" validate:"required,max=128"`
}

// SaveCancellations stores a JSON array of cancellation messages in one transaction.
func (h *Handler) SaveCancellations(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBytes)
	var items []cancellationItem
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&items); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON array: "+err.Error())
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}
	if len(items) > maxBatchItems {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch too large: %d items (max %d)", len(items), maxBatchItems))
		return
	}

	msgs := make([]event.RawMessage, 0, len(items))
	for i, it := range items {
		if err := h.validate.Struct(it); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("item %d: %s", i, validationMessage(err)))
			return
		}
		msgs = append(msgs, event.RawMessage{
			ChatID:        it.ChatID,
			ChatName:      it.ChatName,
			Body:          it.Message,
			TimestampUnix: it.Timestamp,
			ExternalID:    it.MessageID,
		})
	}

	out, err := h.d.Cancellations.ProcessCancellations(r.Context(), msgs)
	switch {
	case err == nil:
	case errors.Is(err, event.ErrMalformedMessage):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		h.log.Error("saving cancellations failed", logx.Int("items", len(msgs)), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(out.CreatedEvents) > 0 && h.d.OnCreated != nil {
		h.d.OnCreated(r.Context(), out.CreatedEvents)
	}
	writeJSON(w, http.StatusOK, out)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := jsonName(fe.StructField())
		switch fe.Tag() {
		case "required":
			parts = append(parts, name+" is required")
		default:
			parts = append(parts, fmt.Sprintf("%s fails %s=%s", name, fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(parts, "; ")
}

func jsonName(field string) string {
	switch field {
	case "ChatID":
		return "chat_id"
	case "ChatName":
		return "chat_name"
	case "Message":
		return "message"
	case "Timestamp":
		return "timestamp"
	case "MessageID":
		return "message_id"
	}
	return field
}

type unreadItem struct {
	event.Event
	Display string `json:"display"`
}

// Unread lists unread events, most recent first.
func (h *Handler) Unread(w http.ResponseWriter, r *http.Request) {
	evs, err := h.d.Store.Unread(r.Context())
	if err != nil {
		h.log.Error("listing unread failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to list unread events")
		return
	}
	items := make([]unreadItem, 0, len(evs))
	for _, ev := range evs {
		items = append(items, unreadItem{Event: ev, Display: event.DisplayBody(ev.Body)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// MarkRead marks one event read. It is idempotent.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	err = h.d.Store.MarkRead(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
		return
	default:
		h.log.Error("mark read failed", logx.Int64("id", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to mark event read")
		return
	}
	h.notifySessions()
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_read": true})
}

// MarkAllRead marks every unread event read.
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.d.Store.MarkAllRead(r.Context())
	if err != nil {
		h.log.Error("mark all read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to mark events read")
		return
	}
	h.notifySessions()
	writeJSON(w, http.StatusOK, map[string]any{"marked": n})
}

func (h *Handler) notifySessions() {
	if h.d.Hub != nil {
		h.d.Hub.NotifyAll()
	}
}

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string               `json:"status"` // "healthy" or "degraded"
	Version   string               `json:"version"`
	Checks    map[string]Check     `json:"checks"`
	Scheduler *poller.Snapshot     `json:"scheduler,omitempty"`
	Sessions  int                  `json:"sessions"`
	Workers   *supervisor.Counters `json:"workers,omitempty"`
	Timestamp string               `json:"timestamp"`
}

// Health pings the store and reports scheduler state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Version: h.d.Version, Checks: map[string]Check{}}
	start := time.Now()
	if err := h.d.Store.Ping(ctx); err != nil {
		resp.Checks["store"] = Check{Status: "fail", Message: "connection failed"}
		resp.Status = "degraded"
	} else {
		resp.Checks["store"] = Check{Status: "pass", Latency: time.Since(start).String()}
	}
	if h.d.Trigger != nil {
		snap := h.d.Trigger.Snapshot()
		resp.Scheduler = &snap
		if snap.LastResult == poller.TickSourceError {
			resp.Checks["source"] = Check{Status: "fail", Message: snap.LastError}
		}
	}
	if h.d.Hub != nil {
		resp.Sessions = h.d.Hub.Len()
	}
	if h.d.Workers != nil {
		c := h.d.Workers()
		resp.Workers = &c
	}
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
