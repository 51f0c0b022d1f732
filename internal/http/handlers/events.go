package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sidecarr/sidecarr/internal/events"
)

// defaultHeartbeat keeps idle SSE connections alive through proxies.
const defaultHeartbeat = 30 * time.Second

// EventsHandler streams the job event bus over SSE.
type EventsHandler struct {
	bus       *events.Bus
	heartbeat time.Duration
	log       *slog.Logger
}

// NewEventsHandler creates an SSE handler over the bus.
func NewEventsHandler(bus *events.Bus, log *slog.Logger) *EventsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &EventsHandler{bus: bus, heartbeat: defaultHeartbeat, log: log}
}

// SetHeartbeatInterval overrides the heartbeat cadence, for tests.
func (h *EventsHandler) SetHeartbeatInterval(d time.Duration) {
	h.heartbeat = d
}

// Register mounts the SSE route on the chi router. SSE cannot go through
// huma; it needs direct control of flushing.
func (h *EventsHandler) Register(router chi.Router) {
	router.Get("/api/v1/events", h.stream)
}

// stream subscribes the client to the bus and relays events until the
// connection drops.
func (h *EventsHandler) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	rc := http.NewResponseController(w)

	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		h.log.Debug("initial SSE flush failed", slog.Any("error", err))
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.log.Debug("writing SSE event",
					slog.String("event", ev.Name), slog.Any("error", err))
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// writeEvent emits one event in SSE framing, the whole frame in one write.
func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}
