package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/nmalyshev/canteen-system/internal/middleware"
	"github.com/nmalyshev/canteen-system/internal/notifier"
)

// CustomerEvents отдаёт поток уведомлений о заказах текущего покупателя (SSE).
func (h *Handler) CustomerEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.streamEvents(w, r, notifier.CustomerTopic(userID))
}

// StaffEvents отдаёт поток уведомлений об оплаченных заказах для персонала (SSE).
func (h *Handler) StaffEvents(w http.ResponseWriter, r *http.Request) {
	h.streamEvents(w, r, notifier.StaffTopic)
}

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, topic string) {
	if h.events == nil {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := h.events.Subscribe(r.Context(), topic)
	if err != nil {
		h.logger.Error("subscribe error", zap.Error(err), zap.String("topic", topic))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}

			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}

			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
