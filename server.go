package offlineruntime

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"github.com/always-cache/offline-runtime/bus"
	"github.com/always-cache/offline-runtime/notify"
)

const (
	// ClientIDHeader carries the bus client ID of an event stream.
	ClientIDHeader = "X-Runtime-Client"
	maxMessageSize = 64 << 10
)

// Handler returns the HTTP surface of the runtime.
// Requests outside /_runtime/ and /metrics go through the proxy.
func (r *Runtime) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(hlog.NewHandler(r.log))
	router.Use(hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(req).Trace().
			Str("method", req.Method).
			Stringer("url", req.URL).
			Int("code", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	router.Use(hlog.RequestIDHandler("req", "X-Request-Id"))

	router.Route("/_runtime", func(rt chi.Router) {
		rt.Get("/events", r.serveEvents)
		rt.Post("/messages", r.serveMessage)
		rt.Post("/push", r.servePush)
		rt.Post("/notifications/click", r.serveClick)
	})
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	router.Handle("/*", r.Proxy)
	return router
}

// serveEvents attaches the connection as a browsing context and streams its events.
// The context URL is taken from the url query parameter, or the Referer.
func (r *Runtime) serveEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	pageURL := req.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = req.Referer()
	}
	client := r.Bus.Attach(pageURL)
	defer r.Bus.Detach(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(ClientIDHeader, client.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := hlog.FromRequest(req)
	for {
		select {
		case <-req.Context().Done():
			return
		case ev, open := <-client.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Msg("Could not encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data); err != nil {
				log.Debug().Err(err).Msg("Event stream closed")
				return
			}
			flusher.Flush()
		}
	}
}

// serveMessage accepts the messages a context may post to the runtime.
func (r *Runtime) serveMessage(w http.ResponseWriter, req *http.Request) {
	var ev bus.Event
	if err := json.NewDecoder(io.LimitReader(req.Body, maxMessageSize)).Decode(&ev); err != nil {
		http.Error(w, "Invalid message", http.StatusBadRequest)
		return
	}
	switch ev.Kind {
	case bus.AuthStatus, bus.ActivateNow:
	default:
		http.Error(w, "Unsupported message type", http.StatusBadRequest)
		return
	}
	r.Bus.Post(req.Context(), ev)
	w.WriteHeader(http.StatusAccepted)
}

// servePush takes the raw push payload. Malformed payloads are still accepted.
func (r *Runtime) servePush(w http.ResponseWriter, req *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "Could not read payload", http.StatusBadRequest)
		return
	}
	if err := r.Push(req.Context(), raw); err != nil {
		hlog.FromRequest(req).Error().Err(err).Msg("Could not show notification")
		http.Error(w, "Could not show notification", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) serveClick(w http.ResponseWriter, req *http.Request) {
	var click notify.Click
	if err := json.NewDecoder(io.LimitReader(req.Body, maxMessageSize)).Decode(&click); err != nil {
		http.Error(w, "Invalid click", http.StatusBadRequest)
		return
	}
	if err := r.Dispatcher.Click(req.Context(), click); err != nil {
		hlog.FromRequest(req).Error().Err(err).Msg("Could not route click")
		http.Error(w, "Could not route click", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
