package notify

import (
	"fmt"
	"net/http"
	"time"

	"job-scoring-pipeline/internal/logger"
)

const heartbeatInterval = 15 * time.Second

// TenantFunc extracts the caller's tenant from a request.
type TenantFunc func(r *http.Request) string

// SSEHandler streams the caller's tenant events as server-sent events until the client leaves.
func SSEHandler(hub *Hub, tenantOf TenantFunc, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := tenantOf(r)
		if tenantID == "" {
			http.Error(w, `{"error":"missing tenant"}`, http.StatusUnauthorized)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		events, cancel := hub.Subscribe(r.Context(), tenantID)
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"tenantId\":%q}\n\n", tenantID)
		flusher.Flush()
		log.Debug("sse client connected", logger.String("tenant_id", tenantID))

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					log.Debug("sse write failed", logger.Error(err))
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
